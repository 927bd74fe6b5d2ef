package channels

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/config"
)

type fakeLink struct {
	fakeTransport
	events   chan LinkEvent
	qrCalls  atomic.Int32
	connects atomic.Int32
	logouts  atomic.Int32

	mu     sync.Mutex
	forced []bool

	// When set, RequestQR reports on qrEntered and blocks until qrGate closes.
	qrGate    chan struct{}
	qrEntered chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan LinkEvent, 16)}
}

func (f *fakeLink) Connect(ctx context.Context) error { f.connects.Add(1); return nil }
func (f *fakeLink) Close() error                      { return nil }
func (f *fakeLink) Events() <-chan LinkEvent          { return f.events }
func (f *fakeLink) Logout(ctx context.Context) error  { f.logouts.Add(1); return nil }

func (f *fakeLink) RequestQR(ctx context.Context, force bool) (string, error) {
	n := f.qrCalls.Add(1)
	f.mu.Lock()
	f.forced = append(f.forced, force)
	f.mu.Unlock()
	if f.qrGate != nil {
		f.qrEntered <- struct{}{}
		select {
		case <-f.qrGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "qr-" + string(rune('0'+n)), nil
}

type waClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *waClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *waClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newWhatsApp(t *testing.T, link *fakeLink, b *bus.MessageBus) *WhatsAppChannel {
	t.Helper()
	c := NewWhatsAppChannel(config.WhatsAppConfig{Enabled: true, BridgeURL: "ws://bridge", QRTimeoutSeconds: 60}, link, b, time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestWhatsApp_StartLinkIssuesQR(t *testing.T) {
	link := newFakeLink()
	c := newWhatsApp(t, link, nil)
	clock := &waClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	ctx := context.Background()

	info, err := c.StartLink(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, LinkAwaitingScan, info.State)
	assert.Equal(t, "qr-1", info.QR)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), info.ExpiresAtMs)
	assert.Equal(t, int32(1), link.connects.Load(), "start link starts the channel")

	// Not forced while awaiting: no new QR.
	again, err := c.StartLink(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, int32(1), link.qrCalls.Load())

	clock.Advance(10 * time.Second)
	forced, err := c.StartLink(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "qr-2", forced.QR)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), forced.ExpiresAtMs)
	assert.Equal(t, []bool{false, true}, link.forced)

	st := c.Status()
	require.NotNil(t, st.WhatsAppStatus)
	require.NotNil(t, st.Link)
	assert.Equal(t, "qr-2", st.Link.QR)
	assert.False(t, st.Linked)
	assert.Nil(t, st.AuthAgeMs)
}

func TestWhatsApp_WaitForScanExpiredQR(t *testing.T) {
	link := newFakeLink()
	c := newWhatsApp(t, link, nil)
	clock := &waClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c.now = clock.Now
	ctx := context.Background()

	_, err := c.StartLink(ctx, false)
	require.NoError(t, err)
	calls := link.qrCalls.Load()

	clock.Advance(2 * time.Minute)
	state, err := c.WaitForScan(ctx)
	assert.ErrorIs(t, err, ErrLinkTimedOut)
	assert.Equal(t, LinkUnlinked, state)
	assert.Equal(t, calls, link.qrCalls.Load())
	assert.Nil(t, c.Status().Link)
}

func TestWhatsApp_WaitForScanLinked(t *testing.T) {
	link := newFakeLink()
	b := bus.NewMessageBus(zerolog.Nop())
	defer b.Stop()
	c := newWhatsApp(t, link, b)
	ctx := context.Background()

	_, err := c.StartLink(ctx, false)
	require.NoError(t, err)

	done := make(chan struct{})
	var state LinkState
	var waitErr error
	go func() {
		defer close(done)
		state, waitErr = c.WaitForScan(ctx)
	}()

	// A second waiter is rejected while the first is in flight.
	require.Eventually(t, func() bool {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		return c.linkBusy
	}, time.Second, 5*time.Millisecond)
	_, err = c.WaitForScan(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.StartLink(ctx, true)
	assert.ErrorIs(t, err, ErrBusy)

	link.events <- LinkEvent{Kind: EventLinked}
	<-done
	require.NoError(t, waitErr)
	assert.Equal(t, LinkLinked, state)

	err = c.Deliver(ctx, "123@s.whatsapp.net", "hi")
	assert.ErrorIs(t, err, ErrChannelUnavailable, "linked but not connected")

	link.events <- LinkEvent{Kind: EventConnected}
	require.Eventually(t, func() bool { return c.LinkState() == LinkConnected }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Deliver(ctx, "123@s.whatsapp.net", "hi"))
	assert.Equal(t, []string{"123@s.whatsapp.net:hi"}, link.messages())

	st := c.Status()
	assert.True(t, st.Linked)
	assert.True(t, st.Connected)
	assert.NotZero(t, st.LastConnectedAt)
	require.NotNil(t, st.AuthAgeMs)
	assert.Nil(t, st.Link)

	link.events <- LinkEvent{Kind: EventMessage, From: "555", Chat: "555", Text: "hey"}
	select {
	case msg := <-b.ConsumeInbound():
		assert.Equal(t, "whatsapp", msg.Channel)
		assert.Equal(t, "hey", msg.Content)
	case <-time.After(time.Second):
		t.Fatal("inbound message not published")
	}
	assert.NotZero(t, c.Status().LastMessageAt)

	link.events <- LinkEvent{Kind: EventDisconnected}
	require.Eventually(t, func() bool { return c.LinkState() == LinkLinked }, time.Second, 5*time.Millisecond)
}

func TestWhatsApp_LogoutCancelsWait(t *testing.T) {
	link := newFakeLink()
	c := newWhatsApp(t, link, nil)
	ctx := context.Background()

	_, err := c.StartLink(ctx, false)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitForScan(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		return c.linkBusy
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Logout(ctx))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLinkCancelled)
	case <-time.After(time.Second):
		t.Fatal("wait not cancelled")
	}
	assert.Equal(t, int32(1), link.logouts.Load())
	assert.Equal(t, LinkUnlinked, c.LinkState())
}

func TestWhatsApp_WaitForScanTimesOut(t *testing.T) {
	link := newFakeLink()
	c := newWhatsApp(t, link, nil)
	c.qrTTL = 30 * time.Millisecond

	_, err := c.StartLink(context.Background(), false)
	require.NoError(t, err)

	state, err := c.WaitForScan(context.Background())
	assert.ErrorIs(t, err, ErrLinkTimedOut)
	assert.Equal(t, LinkUnlinked, state)
}

func TestWhatsApp_WaitWithoutLink(t *testing.T) {
	c := newWhatsApp(t, newFakeLink(), nil)
	_, err := c.WaitForScan(context.Background())
	assert.ErrorIs(t, err, ErrNotLinking)
}

func TestWhatsApp_NotConfigured(t *testing.T) {
	c := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://bridge"}, newFakeLink(), nil, time.Second, zerolog.Nop())
	_, err := c.StartLink(context.Background(), false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.False(t, c.Status().Configured)
}

func TestWhatsApp_LogoutDuringQRRequestWins(t *testing.T) {
	link := newFakeLink()
	link.qrGate = make(chan struct{})
	link.qrEntered = make(chan struct{}, 1)
	c := newWhatsApp(t, link, nil)
	ctx := context.Background()

	type result struct {
		info LinkInfo
		err  error
	}
	done := make(chan result, 1)
	go func() {
		info, err := c.StartLink(ctx, false)
		done <- result{info, err}
	}()

	select {
	case <-link.qrEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("qr request not issued")
	}
	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, LinkUnlinked, c.LinkState())

	close(link.qrGate)
	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, ErrLinkCancelled)
		assert.Equal(t, LinkUnlinked, res.info.State)
		assert.Empty(t, res.info.QR)
	case <-time.After(2 * time.Second):
		t.Fatal("start link did not return")
	}
	assert.Equal(t, LinkUnlinked, c.LinkState())
	assert.Nil(t, c.Status().Link)

	// The guard is released, so a fresh link can start.
	link.qrGate = nil
	info, err := c.StartLink(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, LinkAwaitingScan, info.State)
}
