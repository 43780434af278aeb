package repository

import (
	"errors"

	"github.com/okian/photdb/internal/domain/model"
)

// Sentinel kinds for catalog storage errors. Each one also matches its
// model kind through errors.Is.
var (
	ErrNotFound      = model.ErrNotFound
	ErrAlreadyLinked = model.WrapKind("", model.ErrIntegrity, errors.New("measurement already linked to a different object"))
	ErrDuplicate     = model.WrapKind("", model.ErrIntegrity, errors.New("duplicate key"))
	ErrDanglingRef   = model.WrapKind("", model.ErrIntegrity, errors.New("reference to unknown row"))
	ErrInvalidLimit  = model.WrapKind("", model.ErrMalformedInput, errors.New("invalid limit"))
	ErrClosed        = model.WrapKind("", model.ErrTransport, errors.New("store closed"))
)
