package console

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

func TestGetOrCreate_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	if err != nil {
		t.Fatalf("second GetOrCreate() error: %v", err)
	}
	if s1 != s2 {
		t.Error("second GetOrCreate returned a different session")
	}
	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if s1.State() != StateActive {
		t.Errorf("state = %s, want active", s1.State())
	}
}

func TestGetOrCreate_ConcurrentCallersShareOneDial(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	m := newTestManager(t, d, testOptions())

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(context.Background(), "R1", ConnectOptions{})
			if err != nil {
				t.Errorf("GetOrCreate() error: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if n := d.dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	for i, s := range sessions {
		if s != sessions[0] {
			t.Errorf("caller %d got a different session", i)
		}
	}
	if st := m.Stats(); st.Total != 1 {
		t.Errorf("registered sessions = %d, want 1", st.Total)
	}
}

func TestGetOrCreate_ForceRecreates(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()

	s1, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	s2, err := m.GetOrCreate(ctx, "R1", ConnectOptions{Force: true})
	if err != nil {
		t.Fatalf("forced GetOrCreate() error: %v", err)
	}
	if s1 == s2 || s1.ID == s2.ID {
		t.Error("force did not create a new session")
	}
	if !d.conn(0).isClosed() {
		t.Error("old transport not closed on force recreate")
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestGetOrCreate_PreserveBuffer(t *testing.T) {
	d := &fakeDialer{setup: func(c *fakeConn) { c.emit("R1>") }}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()

	s1, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	waitForBuffer(t, s1, "R1>")
	if _, err := m.Read(ctx, "R1", buffer.ReadOptions{}); err != nil {
		t.Fatal(err)
	}

	s2, err := m.GetOrCreate(ctx, "R1", ConnectOptions{Force: true, PreserveBuffer: true})
	if err != nil {
		t.Fatal(err)
	}
	if s2.Buffer != s1.Buffer || s2.ID != s1.ID {
		t.Error("buffer and session ID not carried over")
	}
	if !s2.HasBeenRead() {
		t.Error("read flag not carried over")
	}

	s3, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{Force: true})
	if s3.Buffer == s2.Buffer || s3.HasBeenRead() {
		t.Error("plain reconnect kept the old buffer or read flag")
	}
}

func TestGetOrCreate_ConnectErrorNotRegistered(t *testing.T) {
	d := &fakeDialer{err: errcodes.New(errcodes.ConnectionRefused, "refused")}
	m := newTestManager(t, d, testOptions())

	_, err := m.GetOrCreate(context.Background(), "R1", ConnectOptions{})
	if !errcodes.Is(err, errcodes.ConnectionRefused) {
		t.Fatalf("GetOrCreate() = %v, want CONNECTION_REFUSED", err)
	}
	if _, ok := m.Lookup("R1"); ok {
		t.Error("failed connect left a registered session")
	}
	evs := m.Events("R1")
	if len(evs) == 0 || evs[len(evs)-1].Type != EventConnectFailed {
		t.Errorf("events = %+v, want connect_failed", evs)
	}
}

func TestGetOrCreate_UnknownTarget(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, testOptions())
	if _, err := m.GetOrCreate(context.Background(), "nope", ConnectOptions{}); !errcodes.Is(err, errcodes.TargetNotFound) {
		t.Errorf("GetOrCreate(unknown) = %v, want TARGET_NOT_FOUND", err)
	}
	if _, err := m.GetOrCreate(context.Background(), "", ConnectOptions{}); !errcodes.Is(err, errcodes.InvalidParameter) {
		t.Errorf("GetOrCreate(\"\") = %v, want INVALID_PARAMETER", err)
	}
}

func TestGetOrCreate_ExplicitCoords(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	s, err := m.GetOrCreate(context.Background(), "lab-x", ConnectOptions{
		Coords: &targets.Coordinates{Host: "192.0.2.10", Port: 2001},
	})
	if err != nil {
		t.Fatalf("GetOrCreate() error: %v", err)
	}
	if s.Coords.Name != "lab-x" || s.Coords.Protocol != targets.ProtocolTelnet {
		t.Errorf("coords = %+v", s.Coords)
	}
}

func TestGetOrCreate_ExplicitCoordsMismatch(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "lab-x", ConnectOptions{
		Coords: &targets.Coordinates{Host: "192.0.2.10", Port: 2001},
	})
	if err != nil {
		t.Fatal(err)
	}

	same, err := m.GetOrCreate(ctx, "lab-x", ConnectOptions{
		Coords: &targets.Coordinates{Host: "192.0.2.10", Port: 2001},
	})
	if err != nil || same != first {
		t.Fatalf("same coords: session %p err %v, want existing session", same, err)
	}

	other := &targets.Coordinates{Host: "192.0.2.11", Port: 2002}
	if _, err := m.GetOrCreate(ctx, "lab-x", ConnectOptions{Coords: other}); !errcodes.Is(err, errcodes.InvalidParameter) {
		t.Fatalf("different coords = %v, want INVALID_PARAMETER", err)
	}
	if s, _ := m.Lookup("lab-x"); s != first {
		t.Error("rejected call replaced the live session")
	}

	moved, err := m.GetOrCreate(ctx, "lab-x", ConnectOptions{Coords: other, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if moved.Coords.Host != "192.0.2.11" || moved.Coords.Port != 2002 {
		t.Errorf("forced reconnect coords = %+v", moved.Coords)
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

// connect, send, and a diff read returns exactly the echo and the reply,
// not the banner that was in the buffer before the send.
func TestSendThenDiffRead(t *testing.T) {
	d := &fakeDialer{setup: func(c *fakeConn) {
		c.emit("Welcome\r\nR1>")
		c.respond = echoPrompt("R1>", map[string]string{"show version": "Cisco IOS 15.2\r\n"})
	}}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitForBuffer(t, s, "Welcome\r\nR1>")

	if err := m.Send(ctx, "R1", "show version\n", false); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := d.conn(0).writtenString(); got != "show version\r\n" {
		t.Errorf("wire data = %q, want CRLF-normalized", got)
	}
	waitForBuffer(t, s, "Cisco IOS 15.2\r\nR1>")

	out, err := m.Read(ctx, "R1", buffer.ReadOptions{Mode: buffer.ModeDiff})
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if want := "show version\nCisco IOS 15.2\nR1>"; out != want {
		t.Errorf("diff read = %q, want %q", out, want)
	}
	if !m.HasBeenRead("R1") {
		t.Error("HasBeenRead = false after read")
	}
}

// An idle session past its TTL goes stale, and the next send reconnects
// without any extra call.
func TestIdleSessionGoesStaleAndSendReconnects(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions()
	opts.TTL = 40 * time.Millisecond
	m := newTestManager(t, d, opts)
	ctx := context.Background()

	s1, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	time.Sleep(60 * time.Millisecond)

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if s1.State() != StateStale {
		t.Fatalf("state after sweep = %s, want stale", s1.State())
	}
	if _, ok := m.Lookup("R1"); !ok {
		t.Fatal("sweep removed the stale session from the registry")
	}

	if err := m.Send(ctx, "R1", "show clock\n", false); err != nil {
		t.Fatalf("Send() after stale = %v", err)
	}
	s2, _ := m.Lookup("R1")
	if s2 == s1 || s2.State() != StateActive {
		t.Errorf("send did not reconnect: same=%v state=%s", s2 == s1, s2.State())
	}
	if !d.conn(0).isClosed() {
		t.Error("stale transport not torn down on reconnect")
	}
	if got := d.conn(1).writtenString(); got != "show clock\r\n" {
		t.Errorf("new connection received %q", got)
	}

	var path []string
	for _, tr := range m.Transitions("R1") {
		path = append(path, tr.To.String())
	}
	if got := strings.Join(path, ","); got != "connecting,active,stale,recovering,active" {
		t.Errorf("transitions = %s", got)
	}
}

func TestSweep_KeepsActiveSessions(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, testOptions())
	s, _ := m.GetOrCreate(context.Background(), "R1", ConnectOptions{})
	if n := m.Sweep(); n != 0 {
		t.Errorf("Sweep() = %d, want 0", n)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s", s.State())
	}
}

func TestSweep_LivenessProbe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	s, _ := m.GetOrCreate(context.Background(), "R1", ConnectOptions{})
	s.stopDrain()
	<-s.drainDone
	d.conn(0).drop()

	if n := m.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	evs := m.Events("R1")
	if evs[len(evs)-1].Type != EventLivenessFailed {
		t.Errorf("last event = %s, want liveness_failed", evs[len(evs)-1].Type)
	}
}

func TestTransportDropMarksStale(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{})

	d.conn(0).drop()
	waitForState(t, s, StateStale)

	select {
	case <-s.drainDone:
	case <-time.After(time.Second):
		t.Fatal("drain goroutine did not exit")
	}

	s2, err := m.GetOrCreate(ctx, "R1", ConnectOptions{})
	if err != nil {
		t.Fatalf("GetOrCreate() after drop: %v", err)
	}
	if s2 == s {
		t.Error("stale session returned instead of reconnecting")
	}
}

func TestSend_ReconnectsDeadSession(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	ctx := context.Background()
	s, _ := m.GetOrCreate(ctx, "R1", ConnectOptions{})

	// Stop draining so the dead socket is only discovered on the next send.
	s.stopDrain()
	<-s.drainDone
	d.conn(0).Close()

	if err := m.Send(ctx, "R1", "x\n", false); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if n := d.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	if got := d.conn(1).writtenString(); got != "x\r\n" {
		t.Errorf("new connection received %q", got)
	}
}

func TestDisconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, testOptions())
	s, _ := m.GetOrCreate(context.Background(), "R1", ConnectOptions{})

	if err := m.Disconnect("R1"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if !d.conn(0).isClosed() {
		t.Error("transport not closed")
	}
	if !s.Buffer.IsClosed() {
		t.Error("buffer not closed")
	}
	if _, ok := m.Lookup("R1"); ok {
		t.Error("session still registered")
	}
	if err := m.Disconnect("R1"); !errcodes.Is(err, errcodes.SessionNotFound) {
		t.Errorf("second Disconnect() = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestPurgeStale(t *testing.T) {
	d := &fakeDialer{}
	opts := testOptions()
	opts.TTL = 10 * time.Millisecond
	opts.StaleGrace = 10 * time.Millisecond
	m := newTestManager(t, d, opts)
	m.GetOrCreate(context.Background(), "R1", ConnectOptions{})

	time.Sleep(20 * time.Millisecond)
	m.Sweep()
	if n := m.PurgeStale(); n != 0 {
		t.Errorf("PurgeStale() right after sweep = %d, want 0", n)
	}
	time.Sleep(20 * time.Millisecond)
	if n := m.PurgeStale(); n != 1 {
		t.Errorf("PurgeStale() = %d, want 1", n)
	}
	if _, ok := m.Lookup("R1"); ok {
		t.Error("purged session still registered")
	}
	if !d.conn(0).isClosed() {
		t.Error("purged transport not closed")
	}
}

func TestOnStateChange(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, testOptions())
	var mu sync.Mutex
	var seen []string
	m.OnStateChange(func(target string, from, to State) {
		mu.Lock()
		seen = append(seen, target+":"+from.String()+">"+to.String())
		mu.Unlock()
	})
	m.GetOrCreate(context.Background(), "R2", ConnectOptions{})
	m.Disconnect("R2")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"R2:closed>connecting", "R2:connecting>active", "R2:active>closed"}
	if strings.Join(seen, " ") != strings.Join(want, " ") {
		t.Errorf("callbacks = %v, want %v", seen, want)
	}
}

func TestListAndInfo(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, testOptions())
	ctx := context.Background()
	m.GetOrCreate(ctx, "R2", ConnectOptions{})
	m.GetOrCreate(ctx, "R1", ConnectOptions{})

	list := m.List()
	if len(list) != 2 || list[0].Target != "R1" || list[1].Target != "R2" {
		t.Fatalf("List() = %+v", list)
	}
	info, err := m.Info("R1")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateActive || info.Host != "10.0.0.1" || info.Kind != targets.KindStream {
		t.Errorf("Info() = %+v", info)
	}
	if _, err := m.Info("R9"); !errcodes.Is(err, errcodes.SessionNotFound) {
		t.Errorf("Info(unknown) = %v", err)
	}
	if st := m.Stats(); st.ByState["active"] != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}
