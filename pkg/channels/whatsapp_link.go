package channels

import (
	"context"
	"fmt"
	"time"
)

// StartLink requests a QR code for linking a device. Without force it is a
// no-op unless the channel is unlinked or in error; with force any existing
// link and QR are discarded first.
func (c *WhatsAppChannel) StartLink(ctx context.Context, force bool) (LinkInfo, error) {
	c.lmu.Lock()
	if c.linkBusy {
		c.lmu.Unlock()
		return LinkInfo{}, ErrBusy
	}
	if !force && c.state != LinkUnlinked && c.state != LinkError {
		info := c.linkInfoLocked()
		c.lmu.Unlock()
		return info, nil
	}
	c.linkBusy = true
	gen := c.linkGen
	c.lmu.Unlock()
	defer c.release()

	if !c.isRunning() {
		if err := c.Start(ctx, StartOptions{}); err != nil {
			return LinkInfo{}, err
		}
	}

	qr, err := c.link.RequestQR(ctx, force)
	if err != nil {
		c.setError(err)
		c.fail(err)
		return LinkInfo{}, fmt.Errorf("%w: whatsapp: %v", ErrChannelUnavailable, err)
	}

	c.lmu.Lock()
	defer c.lmu.Unlock()
	// Logout or a failure while the QR was requested wins over it.
	if c.linkGen != gen {
		return c.linkInfoLocked(), ErrLinkCancelled
	}
	if force {
		c.authAt = time.Time{}
	}
	c.state = LinkAwaitingScan
	c.qr = qr
	c.expiresAt = c.now().Add(c.qrTTL)
	c.linkErr = nil
	c.notifyLocked()
	c.log.Info().Time("expires_at", c.expiresAt).Bool("force", force).Msg("awaiting qr scan")
	return c.linkInfoLocked(), nil
}

// WaitForScan blocks until the pending QR is scanned, expires, or the link
// is cancelled by Logout.
func (c *WhatsAppChannel) WaitForScan(ctx context.Context) (LinkState, error) {
	c.lmu.Lock()
	if c.linkBusy {
		c.lmu.Unlock()
		return "", ErrBusy
	}
	switch c.state {
	case LinkLinked, LinkConnected:
		state := c.state
		c.lmu.Unlock()
		return state, nil
	case LinkUnlinked:
		c.lmu.Unlock()
		return LinkUnlinked, ErrNotLinking
	case LinkError:
		err := c.linkErr
		c.lmu.Unlock()
		return LinkError, fmt.Errorf("%w: whatsapp: %v", ErrChannelUnavailable, err)
	}
	if !c.now().Before(c.expiresAt) {
		c.expireLocked()
		c.lmu.Unlock()
		return LinkUnlinked, ErrLinkTimedOut
	}
	c.linkBusy = true
	c.lmu.Unlock()
	defer c.release()

	for {
		c.lmu.Lock()
		switch c.state {
		case LinkLinked, LinkConnected:
			state := c.state
			c.lmu.Unlock()
			return state, nil
		case LinkUnlinked:
			c.lmu.Unlock()
			return LinkUnlinked, ErrLinkCancelled
		case LinkError:
			err := c.linkErr
			c.lmu.Unlock()
			return LinkError, fmt.Errorf("%w: whatsapp: %v", ErrChannelUnavailable, err)
		}
		remaining := c.expiresAt.Sub(c.now())
		if remaining <= 0 {
			c.expireLocked()
			c.lmu.Unlock()
			return LinkUnlinked, ErrLinkTimedOut
		}
		changed := c.changed
		c.lmu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return c.LinkState(), ctx.Err()
		}
		timer.Stop()
	}
}

// Logout drops the link and asks the bridge to invalidate its credentials.
func (c *WhatsAppChannel) Logout(ctx context.Context) error {
	c.lmu.Lock()
	c.state = LinkUnlinked
	c.linkGen++
	c.clearQRLocked()
	c.authAt = time.Time{}
	c.linkErr = nil
	c.notifyLocked()
	c.lmu.Unlock()

	if !c.isRunning() {
		return nil
	}
	if err := c.link.Logout(ctx); err != nil {
		c.setError(err)
		return fmt.Errorf("%w: whatsapp logout: %v", ErrChannelUnavailable, err)
	}
	c.log.Info().Msg("logged out")
	return nil
}

func (c *WhatsAppChannel) expireLocked() {
	c.state = LinkUnlinked
	c.linkGen++
	c.clearQRLocked()
	c.notifyLocked()
	c.log.Info().Msg("qr code expired")
}

func (c *WhatsAppChannel) release() {
	c.lmu.Lock()
	c.linkBusy = false
	c.lmu.Unlock()
}
