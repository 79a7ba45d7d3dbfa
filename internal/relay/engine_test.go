package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/broker"
	"github.com/Tyrowin/gorelay/internal/store"
	"github.com/Tyrowin/gorelay/internal/telemetry"
)

func TestEngine_Offline_Recipient_Gets_Backlog_In_Order(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	// Given alice registered once and went away
	alice := h.connect(t, "alice")
	h.disconnect(t, alice, "alice")
	bob := h.connect(t, "bob")

	// When bob sends her three messages
	for i := 1; i <= 3; i++ {
		bob.write(t, direct("alice", fmt.Sprintf("msg %d", i)))
		bob.expectInfo(t, NoticeOffline)
	}

	// Then the store holds three undelivered rows for her
	req.Len(h.undelivered(t, "alice"), 3)

	// When alice reconnects
	again := newFakeConn()
	h.serve(again, &Registration{UserID: "alice"})

	// Then the backlog arrives in send order before the ready notice
	for i := 1; i <= 3; i++ {
		msg := again.expectMessage(t)
		req.Equal(fmt.Sprintf("msg %d", i), msg.Content)
		req.Equal("bob", msg.SenderID)
		req.Equal("alice", msg.RecipientID)
	}
	again.expectInfo(t, NoticeReady)
	req.Empty(h.undelivered(t, "alice"))

	// And nothing is replayed twice
	again.expectSilence(t, 100*time.Millisecond)
}

func TestEngine_Direct_Message_To_Online_Recipient(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	alice := h.connect(t, "alice")
	bob := newFakeConn()
	h.serve(bob, &Registration{UserID: "bob", UserName: "Bob"})
	bob.expectInfo(t, NoticeReady)

	bob.write(t, outgoing{Type: TypeMessage, SenderID: "bob", RecipientID: "alice", Content: "hi alice"})

	msg := alice.expectMessage(t)
	req.Equal("hi alice", msg.Content)
	req.Equal("bob", msg.SenderID)
	req.Equal("Bob", msg.SenderName)
	req.NotEmpty(msg.ID)
	bob.expectInfo(t, NoticeDelivered)

	req.Eventually(func() bool { return len(h.undelivered(t, "alice")) == 0 }, waitFor, 10*time.Millisecond)
}

func TestEngine_Group_Fanout_Excludes_Sender_By_Default(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	// Given A, B and C in G1 and D connected elsewhere
	a := h.connect(t, "A", "G1")
	b := h.connect(t, "B", "G1")
	c := h.connect(t, "C", "G1", "G2")
	d := h.connect(t, "D", "G2")

	// When A sends to the group
	a.write(t, toGroup("G1", "hello group"))

	// Then B and C receive it once and A only gets the acknowledgement
	for _, member := range []*fakeConn{b, c} {
		msg := member.expectMessage(t)
		req.Equal("hello group", msg.Content)
		req.Equal("G1", msg.GroupID)
		req.Equal("A", msg.SenderID)
	}
	a.expectInfo(t, NoticeGroupSent)

	a.expectSilence(t, 100*time.Millisecond)
	b.expectSilence(t, 0)
	c.expectSilence(t, 0)
	d.expectSilence(t, 0)

	history, err := h.store.ListByGroup(context.Background(), "G1", 0)
	req.NoError(err)
	req.Len(history, 1)
}

func TestEngine_Group_Fanout_Echoes_Sender_When_Enabled(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.EchoToSender = true })

	a := h.connect(t, "A", "G1")
	b := h.connect(t, "B", "G1")
	c := h.connect(t, "C", "G1")
	d := h.connect(t, "D")

	a.write(t, toGroup("G1", "echo"))

	for _, member := range []*fakeConn{a, b, c} {
		req.Equal("echo", member.expectMessage(t).Content)
	}
	a.expectInfo(t, NoticeGroupSent)
	for _, member := range []*fakeConn{a, b, c, d} {
		member.expectSilence(t, 50*time.Millisecond)
	}
}

func TestEngine_Second_Connection_Replaces_First(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	first := h.connect(t, "alice")
	second := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	// The first connection is closed by the new registration
	req.Eventually(first.closed, waitFor, 5*time.Millisecond)
	req.Equal(2, h.engine.Connections())

	bob.write(t, direct("alice", "to the new socket"))
	req.Equal("to the new socket", second.expectMessage(t).Content)
	bob.expectInfo(t, NoticeDelivered)
	first.expectSilence(t, 100*time.Millisecond)

	// The replaced connection's late exit leaves the new one registered
	sess, ok := h.engine.registry.LookupUser("alice")
	req.True(ok)
	req.Same(second, sess.conn)
}

func TestEngine_Rejects_Invalid_Targets_Without_Persisting(t *testing.T) {
	req := require.New(t)
	counting := &countingStore{}
	h := newHarness(t, func(o *Options) {
		counting.Store = o.Store
		o.Store = counting
	})

	alice := h.connect(t, "alice", "G1")
	bob := h.connect(t, "bob", "G1")

	// Both targets
	bob.write(t, outgoing{Type: TypeMessage, RecipientID: "alice", GroupID: "G1", Content: "both"})
	bob.expectError(t, "message must target exactly one recipient or group")

	// Neither target
	bob.write(t, outgoing{Type: TypeMessage, Content: "neither"})
	bob.expectError(t, "message must target exactly one recipient or group")

	// Malformed and incomplete frames
	bob.writeRaw("not json")
	bob.expectError(t, "malformed frame")
	bob.write(t, outgoing{Type: TypeMessage, RecipientID: "alice"})
	bob.expectError(t, "content is required")
	bob.write(t, outgoing{Type: "typing"})
	bob.expectError(t, "unknown type")

	// Impersonation and foreign groups
	bob.write(t, outgoing{Type: TypeMessage, SenderID: "mallory", RecipientID: "alice", Content: "x"})
	bob.expectError(t, "senderId")
	bob.write(t, toGroup("G2", "x"))
	bob.expectError(t, "not registered in that group")

	req.Zero(counting.count())
	alice.expectSilence(t, 50*time.Millisecond)

	// The connection stays usable
	bob.write(t, direct("alice", "valid"))
	req.Equal("valid", alice.expectMessage(t).Content)
	bob.expectInfo(t, NoticeDelivered)
	req.Equal(1, counting.count())
}

func TestEngine_100_Concurrent_Users(t *testing.T) {
	req := require.New(t)
	counting := &countingStore{}
	h := newHarness(t, func(o *Options) {
		counting.Store = o.Store
		o.Store = counting
	})
	const users = 100

	// Given 100 users registering concurrently
	conns := make([]*fakeConn, users)
	var wg sync.WaitGroup
	for i := range conns {
		conns[i] = newFakeConn()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.serve(conns[i], &Registration{UserID: fmt.Sprintf("user-%d", i)})
		}(i)
	}
	wg.Wait()
	for _, conn := range conns {
		conn.expectInfo(t, NoticeReady)
	}
	req.Equal(users, h.engine.Connections())

	// When each sends one message to a random partner
	perm := rand.New(rand.NewSource(42)).Perm(users)
	for i, conn := range conns {
		conn.write(t, direct(fmt.Sprintf("user-%d", perm[i]), fmt.Sprintf("from user-%d", i)))
	}

	// Then every user gets exactly the message addressed to them
	sender := make(map[int]int, users)
	for i, to := range perm {
		sender[to] = i
	}
	delivered := 0
	for i, conn := range conns {
		var gotMessage, gotAck bool
		for n := 0; n < 2; n++ {
			frame := conn.next(t)
			switch frame.Type {
			case TypeMessage:
				req.False(gotMessage, "user-%d received two messages", i)
				req.Equal(fmt.Sprintf("from user-%d", sender[i]), frame.Content)
				req.Equal(fmt.Sprintf("user-%d", i), frame.RecipientID)
				gotMessage = true
				delivered++
			case TypeInfo:
				req.Equal(NoticeDelivered, frame.Message)
				gotAck = true
			default:
				t.Fatalf("user-%d: unexpected frame %+v", i, frame)
			}
		}
		req.True(gotMessage && gotAck)
	}
	req.Equal(users, delivered)
	req.Equal(users, counting.count())
	for i := range conns {
		conns[i].expectSilence(t, 0)
		req.Empty(h.undelivered(t, fmt.Sprintf("user-%d", i)))
	}
}

func TestEngine_Registration_Frame(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)

	conn := newFakeConn()
	h.serve(conn, nil)

	conn.writeRaw(`{"type":"register"}`)
	conn.expectError(t, "userId is required")
	conn.write(t, direct("bob", "too early"))
	conn.expectError(t, "register before sending messages")

	conn.writeRaw(`{"type":"register","userId":"alice","userName":"Alice","groupId":"G1","groupIds":["G2","G1"]}`)
	conn.expectInfo(t, NoticeReady)

	sess, ok := h.engine.registry.LookupUser("alice")
	req.True(ok)
	req.Equal("Alice", sess.userName)
	req.ElementsMatch([]string{"G1", "G2"}, h.engine.registry.Groups(sess))

	conn.writeRaw(`{"type":"register","userId":"alice"}`)
	conn.expectError(t, "already registered")
}

func TestEngine_Registration_Timeout_Closes_Connection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.RegistrationTimeout = 100 * time.Millisecond })

	conn := newFakeConn()
	h.serve(conn, nil)

	select {
	case err := <-h.errs:
		req.ErrorIs(err, ErrRegistrationTimeout)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
	req.True(conn.closed())
	conn.expectError(t, "registration timeout")
	req.Zero(h.engine.Connections())
}

func TestEngine_Instances_Share_Broker(t *testing.T) {
	req := require.New(t)
	s := newStore(t)
	b := broker.NewMemory(nil)
	t.Cleanup(func() { _ = b.Close() })
	h1 := newHarnessWith(t, s, b, nil)
	h2 := newHarnessWith(t, s, b, nil)

	alice := h1.connect(t, "alice", "G1")
	carol := h1.connect(t, "carol", "G1")
	bob := h2.connect(t, "bob", "G1")

	// A direct message crosses instances through the broker
	bob.write(t, direct("alice", "across"))
	bob.expectInfo(t, NoticeOffline)
	msg := alice.expectMessage(t)
	req.Equal("across", msg.Content)
	req.Eventually(func() bool { return len(h1.undelivered(t, "alice")) == 0 }, waitFor, 10*time.Millisecond)

	// A group message reaches local and remote members exactly once
	alice.write(t, toGroup("G1", "to everyone"))
	req.Equal("to everyone", carol.expectMessage(t).Content)
	req.Equal("to everyone", bob.expectMessage(t).Content)
	alice.expectInfo(t, NoticeGroupSent)

	for _, conn := range []*fakeConn{alice, bob, carol} {
		conn.expectSilence(t, 100*time.Millisecond)
	}
}

func TestEngine_Drops_Duplicate_Envelopes(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	alice := h.connect(t, "alice")

	payload, err := json.Marshal(envelope{
		Origin: "another-instance",
		Message: &MessageFrame{
			Type: TypeMessage, ID: "m-1", SenderID: "bob", RecipientID: "alice",
			Content: "once", CreatedAt: time.Now().UTC(),
		},
	})
	req.NoError(err)

	ctx := context.Background()
	req.NoError(h.broker.Publish(ctx, DefaultTopic, payload))
	req.NoError(h.broker.Publish(ctx, DefaultTopic, payload))
	req.NoError(h.broker.Publish(ctx, DefaultTopic, []byte("garbage")))

	req.Equal("once", alice.expectMessage(t).Content)
	alice.expectSilence(t, 100*time.Millisecond)
}

func TestEngine_Persistence_Failure_Is_Not_Published(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		attempts int
		reply    string
	}{
		{"transient", store.ErrUnavailable, 3, "could not be stored"},
		{"permanent", store.ErrInvalidMessage, 1, "invalid message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			failing := &failingStore{err: tc.err}
			recording := &recordingBroker{}
			h := newHarness(t, func(o *Options) {
				failing.Store = o.Store
				o.Store = failing
				recording.Broker = o.Broker
				o.Broker = recording
				o.StoreRetries = 2
			})

			alice := h.connect(t, "alice")
			bob := h.connect(t, "bob")

			bob.write(t, direct("alice", "lost"))
			bob.expectError(t, tc.reply)

			req.Equal(tc.attempts, failing.count())
			req.Zero(recording.count())
			alice.expectSilence(t, 100*time.Millisecond)
		})
	}
}

func TestEngine_Broker_Failure_Still_Delivers_Locally(t *testing.T) {
	req := require.New(t)
	failing := &failingBroker{}
	h := newHarness(t, func(o *Options) {
		failing.Broker = o.Broker
		o.Broker = failing
	})

	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	bob.write(t, direct("alice", "still here"))
	req.Equal("still here", alice.expectMessage(t).Content)
	bob.expectInfo(t, NoticeDelivered)

	req.Eventually(func() bool {
		failing.mu.Lock()
		defer failing.mu.Unlock()
		return failing.published == 1
	}, waitFor, 5*time.Millisecond)
}

func TestEngine_Hanging_Broker_Does_Not_Delay_Local_Delivery(t *testing.T) {
	req := require.New(t)
	hanging := &hangingBroker{}
	h := newHarness(t, func(o *Options) {
		hanging.Broker = o.Broker
		o.Broker = hanging
		o.PublishTimeout = 3 * time.Second
	})
	alice := h.connect(t, "alice")
	bob := h.connect(t, "bob")

	// When bob sends two messages while every publish hangs
	start := time.Now()
	bob.write(t, direct("alice", "first"))
	bob.write(t, direct("alice", "second"))

	// Then both reach alice well within the publish timeout
	req.Equal("first", alice.expectMessage(t).Content)
	req.Equal("second", alice.expectMessage(t).Content)
	req.Less(time.Since(start), time.Second)
	bob.expectInfo(t, NoticeDelivered)
	bob.expectInfo(t, NoticeDelivered)

	// and the publish is still attempted
	req.Eventually(func() bool { return hanging.count() >= 1 }, waitFor, 5*time.Millisecond)
}

func TestEngine_Oversized_Envelope_Travels_By_Reference(t *testing.T) {
	req := require.New(t)
	s := newStore(t)
	b := broker.NewMemory(nil)
	t.Cleanup(func() { _ = b.Close() })
	limited := &limitedBroker{Broker: b, limit: 1024}
	h1 := newHarnessWith(t, s, limited, nil)
	h2 := newHarnessWith(t, s, limited, nil)

	alice := h1.connect(t, "alice", "G1")
	bob := h2.connect(t, "bob", "G1")
	carol := h2.connect(t, "carol")

	// Given content whose envelope exceeds what the broker carries
	big := strings.Repeat("<&>", 600)

	// When alice sends it to the group and to carol on the other instance
	alice.write(t, toGroup("G1", big))
	alice.expectInfo(t, NoticeGroupSent)
	alice.write(t, direct("carol", big))
	alice.expectInfo(t, NoticeOffline)

	// Then both remote recipients get the full content
	got := bob.expectMessage(t)
	req.Equal(big, got.Content)
	req.Equal("alice", got.SenderID)
	req.Equal("G1", got.GroupID)
	req.Equal(big, carol.expectMessage(t).Content)
	req.Eventually(func() bool { return len(h2.undelivered(t, "carol")) == 0 }, waitFor, 10*time.Millisecond)

	// and small messages still travel inline
	alice.write(t, toGroup("G1", "short"))
	alice.expectInfo(t, NoticeGroupSent)
	req.Equal("short", bob.expectMessage(t).Content)
	req.Equal(2, limited.refused())
}

func TestMarshalEnvelope_Does_Not_Escape_Markup(t *testing.T) {
	req := require.New(t)
	frame := MessageFrame{Type: TypeMessage, ID: "m-1", SenderID: "bob", GroupID: "g", Content: "<a&b>"}

	payload, err := marshalEnvelope(envelope{Origin: "relay-a", Message: &frame})
	req.NoError(err)
	req.Contains(string(payload), `"content":"<a&b>"`)
	req.NotContains(string(payload), "\n")

	var decoded envelope
	req.NoError(json.Unmarshal(payload, &decoded))
	req.Equal("m-1", decoded.messageID())

	payload, err = marshalEnvelope(envelope{Origin: "relay-a", Ref: "m-2"})
	req.NoError(err)
	req.JSONEq(`{"origin":"relay-a","ref":"m-2"}`, string(payload))
}

func TestEngine_Membership_Validated_At_Registration(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *Options) { o.ValidateMembership = true })
	req.NoError(h.store.AddGroupMember(context.Background(), "G1", "alice"))

	alice := h.connect(t, "alice", "G1", "G2")

	sess, ok := h.engine.registry.LookupUser("alice")
	req.True(ok)
	req.Equal([]string{"G1"}, h.engine.registry.Groups(sess))

	alice.write(t, toGroup("G2", "sneaky"))
	alice.expectError(t, "not registered in that group")
}

func TestEngine_Sweep_Without_Connection_Is_Noop(t *testing.T) {
	h := newHarness(t, nil)
	n, err := h.engine.Sweep("nobody")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngine_Stop_Rejects_New_Work(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, nil)
	bob := h.connect(t, "bob")

	req.NoError(h.engine.Stop(time.Second))
	req.NoError(h.engine.Stop(time.Second))

	bob.write(t, direct("alice", "late"))
	bob.expectError(t, "shutting down")

	late := newFakeConn()
	req.ErrorIs(h.engine.Serve(late, &Registration{UserID: "carol"}), ErrNotRunning)
	req.True(late.closed())
}

func TestNew_Validates_Options(t *testing.T) {
	req := require.New(t)
	s := newStore(t)
	b := broker.NewMemory(nil)
	defer b.Close()

	_, err := New(Options{Broker: b, InstanceID: "i"})
	req.Error(err)
	_, err = New(Options{Store: s, InstanceID: "i"})
	req.Error(err)
	_, err = New(Options{Store: s, Broker: b})
	req.Error(err)
	_, err = New(Options{Store: s, Broker: b, InstanceID: "i", ValidateMembership: true})
	req.Error(err)

	e, err := New(Options{Store: s, Broker: b, InstanceID: "i"})
	req.NoError(err)
	req.Equal(DefaultTopic, e.opts.Topic)
	req.ErrorIs(e.Serve(newFakeConn(), &Registration{UserID: "x"}), ErrNotRunning)
}

func TestEngine_Tracks_Active_Groups(t *testing.T) {
	req := require.New(t)
	telemetry.Init()
	h := newHarness(t, nil)

	// Given two users sharing one of their groups
	alice := h.connect(t, "alice", "G1", "G2")
	h.connect(t, "bob", "G2")
	req.Equal(float64(2), testutil.ToFloat64(telemetry.ActiveGroups))

	// When the only member of G1 leaves
	h.disconnect(t, alice, "alice")

	// Then the gauge drops to the remaining group
	req.Eventually(func() bool { return testutil.ToFloat64(telemetry.ActiveGroups) == 1 }, waitFor, 5*time.Millisecond)
}
