package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
)

var kindToCode = map[errs.Kind]codes.Code{
	errs.KindUnauthenticated:  codes.Unauthenticated,
	errs.KindInvalidArgument:  codes.InvalidArgument,
	errs.KindNotFound:         codes.NotFound,
	errs.KindAlreadyExists:    codes.AlreadyExists,
	errs.KindPermissionDenied: codes.PermissionDenied,
	errs.KindDeadlineExceeded: codes.DeadlineExceeded,
	errs.KindUnavailable:      codes.Unavailable,
}

// ToStatus 将错误分类转换为 gRPC 状态，只携带对外消息
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, ok := kindToCode[errs.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return status.Error(code, msg)
}

// FromStatus 是 ToStatus 的逆过程
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindDeadlineExceeded, "request timed out", err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return errs.Wrap(errs.KindUnavailable, "transport failure", err)
	}
	kind := errs.KindInternal
	for k, c := range kindToCode {
		if c == st.Code() {
			kind = k
			break
		}
	}
	if st.Code() == codes.Canceled {
		kind = errs.KindUnavailable
	}
	return errs.New(kind, st.Message())
}
