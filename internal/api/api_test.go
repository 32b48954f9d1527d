package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scrutiny-server/internal/datastore"
	"scrutiny-server/internal/devicehandler"
	"scrutiny-server/internal/eventbus"
	"scrutiny-server/internal/link"
	"scrutiny-server/internal/protoerr"
	"scrutiny-server/internal/protocol"
)

// fakeCore implements Device with synchronous replies, standing in for the
// DeviceHandler command queue.
type fakeCore struct {
	readData  []byte
	readErr   error
	writeErr  error
	userData  []byte
	wroteAddr protocol.Address
	wrote     []byte
	entry     datastore.Handle
}

func (f *fakeCore) ReadMemory(addr protocol.Address, length uint16, reply func([]byte, error)) error {
	reply(f.readData, f.readErr)
	return nil
}

func (f *fakeCore) WriteMemory(addr protocol.Address, data []byte, reply func(error)) error {
	f.wroteAddr = addr
	f.wrote = append([]byte(nil), data...)
	reply(f.writeErr)
	return nil
}

func (f *fakeCore) WriteEntry(h datastore.Handle, data []byte, reply func(error)) error {
	f.entry = h
	f.wrote = append([]byte(nil), data...)
	reply(f.writeErr)
	return nil
}

func (f *fakeCore) UserCommand(subfn uint8, data []byte, reply func([]byte, error)) error {
	reply(f.userData, nil)
	return nil
}

func (f *fakeCore) ConfigureLink(l *link.Managed, reply func(error)) error {
	reply(nil)
	return nil
}

func startServer(t *testing.T, dev Device) (*eventbus.Bus, *datastore.Datastore, context.CancelFunc) {
	t.Helper()
	bus := eventbus.NewBus(16)
	ds := datastore.New()
	srv := New(bus.NewConnection("api"), ds, dev, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	return bus, ds, cancel
}

func requestOutcome(t *testing.T, bus *eventbus.Bus, topic eventbus.Topic, payload any) Outcome {
	t.Helper()
	conn := bus.NewConnection("client")
	defer conn.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := conn.RequestWait(ctx, conn.NewMessage(topic, payload, false))
	require.NoError(t, err)
	out, okCast := m.Payload.(Outcome)
	require.True(t, okCast, "reply payload must be an Outcome")
	return out
}

func TestWatchUnwatchOverBus(t *testing.T) {
	bus, _, cancel := startServer(t, &fakeCore{})
	defer cancel()

	desc := datastore.Descriptor{Kind: datastore.KindVariable, Address: 0x1000, DataType: datastore.DataTypeU32}
	out := requestOutcome(t, bus, eventbus.TopicAPIWatch(), desc)
	require.Nil(t, out.Err)
	h, okCast := out.Value.(datastore.Handle)
	require.True(t, okCast)

	// A second identical watch dedups onto the same handle.
	out2 := requestOutcome(t, bus, eventbus.TopicAPIWatch(), desc)
	require.Equal(t, h, out2.Value)

	out3 := requestOutcome(t, bus, eventbus.TopicAPIUnwatch(), h)
	require.Nil(t, out3.Err)
}

func TestReadMemoryOverBus(t *testing.T) {
	dev := &fakeCore{readData: []byte{0xAA, 0xBB}}
	bus, _, cancel := startServer(t, dev)
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIReadMemory(), ReadMemoryRequest{Address: 0x2000, Length: 2})
	require.Nil(t, out.Err)
	require.Equal(t, []byte{0xAA, 0xBB}, out.Value)
}

func TestReadMemoryErrorCarriesKind(t *testing.T) {
	dev := &fakeCore{readErr: protoerr.New(protoerr.ClassSessionNoSession, "test", "no session")}
	bus, _, cancel := startServer(t, dev)
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIReadMemory(), ReadMemoryRequest{Address: 0x2000, Length: 2})
	require.NotNil(t, out.Err)
	require.Equal(t, protoerr.ClassSessionNoSession, out.Err.Kind)
}

func TestWriteMemoryOverBus(t *testing.T) {
	dev := &fakeCore{}
	bus, _, cancel := startServer(t, dev)
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIWriteMemory(), WriteMemoryRequest{Address: 0x3000, Data: []byte{1, 2, 3}})
	require.Nil(t, out.Err)
	require.Equal(t, protocol.Address(0x3000), dev.wroteAddr)
	require.Equal(t, []byte{1, 2, 3}, dev.wrote)
}

func TestWriteValueForbiddenSurfacesPolicyError(t *testing.T) {
	dev := &fakeCore{writeErr: protoerr.New(protoerr.ClassPolicyForbidden, "test", "forbidden")}
	bus, _, cancel := startServer(t, dev)
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIWriteValue(), WriteValueRequest{Handle: "h", Bytes: []byte{1}})
	require.NotNil(t, out.Err)
	require.Equal(t, protoerr.ClassPolicyForbidden, out.Err.Kind)
}

func TestUserCommandOverBus(t *testing.T) {
	dev := &fakeCore{userData: []byte{0x42}}
	bus, _, cancel := startServer(t, dev)
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIUserCommand(), UserCommandRequest{Subfunction: 3, Data: []byte{0}})
	require.Nil(t, out.Err)
	require.Equal(t, []byte{0x42}, out.Value)
}

func TestDeviceInfoUnavailableBeforeInfoPoll(t *testing.T) {
	bus, _, cancel := startServer(t, &fakeCore{})
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIDeviceInfo(), nil)
	require.NotNil(t, out.Err)
	require.Equal(t, protoerr.ClassSessionNoSession, out.Err.Kind)
}

func TestDeviceInfoServedFromRetainedPublish(t *testing.T) {
	bus, _, cancel := startServer(t, &fakeCore{})
	defer cancel()

	info := devicehandler.DeviceInfo{ProtocolMajor: 1, AddressSize: protocol.AddressSize4}
	pub := bus.NewConnection("core")
	pub.Publish(pub.NewMessage(eventbus.TopicDeviceInfo(), info, true))

	// The server consumes the retained publish asynchronously; poll until
	// it has.
	deadline := time.Now().Add(2 * time.Second)
	for {
		out := requestOutcome(t, bus, eventbus.TopicAPIDeviceInfo(), nil)
		if out.Err == nil {
			got, okCast := out.Value.(devicehandler.DeviceInfo)
			require.True(t, okCast)
			require.Equal(t, uint8(1), got.ProtocolMajor)
			require.Equal(t, protocol.AddressSize4, got.AddressSize)
			return
		}
		require.True(t, time.Now().Before(deadline), "device info never became available")
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfigureLinkNotOffered(t *testing.T) {
	bus, _, cancel := startServer(t, &fakeCore{})
	defer cancel()

	out := requestOutcome(t, bus, eventbus.TopicAPIConfigureLink(), nil)
	require.NotNil(t, out.Err)
}
