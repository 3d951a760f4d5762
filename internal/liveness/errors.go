package liveness

import "codeberg.org/mynte/vsyncctl/internal/errors"

const (
	ErrUnknownToken = errors.ErrorCode("liveness_unknown_token")
)

func newErrFactory() errors.Factory {
	return errors.New()
}
