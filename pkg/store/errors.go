package store

import (
	"github.com/cockroachdb/errors"

	"mvccdb/pkg/dberrors"
)

var (
	ErrTxnFinished      = errors.Mark(errors.New("transaction already committed or discarded"), dberrors.ErrState)
	ErrSnapshotReleased = errors.Mark(errors.New("snapshot already released"), dberrors.ErrState)
)

func errClosed() error { return errors.WithStack(dberrors.ErrClosed) }

func errSnapshotReleased() error { return errors.WithStack(ErrSnapshotReleased) }

func errTxnFinished() error { return errors.WithStack(ErrTxnFinished) }
