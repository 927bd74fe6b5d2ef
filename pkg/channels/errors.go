package channels

import "errors"

var (
	ErrUnknownChannel     = errors.New("channels: unknown channel")
	ErrChannelUnavailable = errors.New("channels: channel unavailable")
	ErrUnsupported        = errors.New("channels: operation not supported")
	ErrBusy               = errors.New("channels: link operation already in progress")
	ErrLinkTimedOut       = errors.New("channels: qr code expired before scan")
	ErrLinkCancelled      = errors.New("channels: link cancelled by logout")
	ErrNotLinking         = errors.New("channels: no link in progress")
)
