package filesystem

import (
	"errors"
	"os"

	"github.com/cloudreve/davcore/pkg/serializer"
)

var (
	ErrObjectNotExist   = serializer.NewError(serializer.CodeNotFound, "Object not exist", nil)
	ErrObjectExisted    = serializer.NewError(serializer.CodeObjectExist, "Object already exists", nil)
	ErrPermissionDenied = serializer.NewError(serializer.CodeNoPermissionErr, "Permission denied", nil)
	ErrRootProtected    = serializer.NewError(serializer.CodeNoPermissionErr, "Root collection cannot be modified", nil)
	ErrAuthFailed       = serializer.NewError(serializer.CodeCredentialInvalid, "Wrong user name or password", nil)
	ErrNotCollection    = serializer.NewError(serializer.CodeParamErr, "Parent is not a collection", nil)
	ErrIsCollection     = serializer.NewError(serializer.CodeParamErr, "Target is a collection", nil)
	ErrInvalidPath      = serializer.NewError(serializer.CodeParamErr, "Invalid path", nil)
	ErrUnknownBackend   = serializer.NewError(serializer.CodeInternalErr, "Unknown store backend", nil)
	ErrIO               = serializer.NewError(serializer.CodeIOFailed, "Failed to access resource data", nil)
	ErrLockStore        = serializer.NewError(serializer.CodeCacheOperation, "Failed to access lock store", nil)
	ErrClientCanceled   = errors.New("client canceled operation")
)

func IsNotExist(err error) bool {
	return errors.Is(err, ErrObjectNotExist)
}

func IsExisted(err error) bool {
	return errors.Is(err, ErrObjectExisted)
}

// translateOSError maps os level failures onto the store taxonomy.
func translateOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return ErrObjectNotExist.WithError(err)
	case errors.Is(err, os.ErrExist):
		return ErrObjectExisted.WithError(err)
	case errors.Is(err, os.ErrPermission):
		return ErrPermissionDenied.WithError(err)
	default:
		var appErr serializer.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return ErrIO.WithError(err)
	}
}
