package gatt

import "errors"

// Service and characteristic identifiers. These are part of the versioned
// wire surface; peers pairing across releases depend on them staying put.
const (
	ServiceUUID = "7e3a7b4e-2f45-4c57-9f5a-d3c7b1d2a9e1"
)

// Characteristic names one of the four channels of the service: two
// directions by {content, control}.
type Characteristic string

const (
	// CharContentOut streams diff chunks publisher -> subscriber (notify).
	CharContentOut Characteristic = "7e3a7b4e-2f45-4c57-9f5a-d3c7b1d2a9e2"
	// CharContentIn exists for symmetry; unused for push in this design.
	CharContentIn Characteristic = "7e3a7b4e-2f45-4c57-9f5a-d3c7b1d2a9e3"
	// CharControlOut streams control chunks publisher -> subscriber (notify).
	CharControlOut Characteristic = "7e3a7b4e-2f45-4c57-9f5a-d3c7b1d2a9e4"
	// CharControlIn receives subscriber writes (with and without response).
	CharControlIn Characteristic = "7e3a7b4e-2f45-4c57-9f5a-d3c7b1d2a9e5"
)

// State is the power state of the radio stack.
type State string

const (
	StateOn       State = "on"
	StateOff      State = "off"
	StateDisabled State = "disabled"
)

var (
	ErrRadioOff          = errors.New("gatt: radio off")
	ErrUnknownPeripheral = errors.New("gatt: unknown peripheral")
	ErrNotConnected      = errors.New("gatt: not connected")
	ErrNotSubscribed     = errors.New("gatt: not subscribed")
	ErrClosed            = errors.New("gatt: closed")
)

// Advertisement is what a scanning central learns about a peripheral.
type Advertisement struct {
	PeripheralID string
	ServiceUUID  string
	LocalName    string
}

// PeripheralHandler receives radio events for the peripheral role.
type PeripheralHandler interface {
	// CentralSubscribed fires when a central enables notifications on one
	// characteristic.
	CentralSubscribed(centralID string, ch Characteristic)

	// CentralUnsubscribed fires when a subscription ends, whether by the
	// central's own request, a forced cancellation, or disconnect.
	CentralUnsubscribed(centralID string, ch Characteristic)

	// CentralWrote delivers one write to a writable characteristic.
	CentralWrote(centralID string, ch Characteristic, payload []byte)

	// CentralSighted fires when a nearby central announces itself with
	// the given name while this peripheral is live.
	CentralSighted(name string)

	// ReadyToNotify fires after a failed Notify once the congested
	// notification queue has drained.
	ReadyToNotify()

	// StateChanged reports radio power transitions.
	StateChanged(s State)
}

// CentralHandler receives radio events for the central role.
type CentralHandler interface {
	// PeripheralDiscovered fires per advertising peripheral while
	// scanning.
	PeripheralDiscovered(adv Advertisement)

	// PeripheralConnected fires once a Connect completes.
	PeripheralConnected(peripheralID string)

	// ServicesResolved fires once ResolveServices completes and the four
	// characteristics are usable.
	ServicesResolved(peripheralID string)

	// Notified delivers one notification from a subscribed
	// characteristic.
	Notified(peripheralID string, ch Characteristic, payload []byte)

	// PeripheralDisconnected fires when a connection ends. A nil error
	// is an expected teardown; non-nil is an unexpected loss.
	PeripheralDisconnected(peripheralID string, err error)

	// StateChanged reports radio power transitions.
	StateChanged(s State)
}

// Peripheral is the publisher-side radio surface.
type Peripheral interface {
	ID() string
	State() State
	SetHandler(h PeripheralHandler)

	// StartAdvertising begins advertising the service with the given
	// local name (a conversation short id or the open sentinel).
	StartAdvertising(localName string) error
	StopAdvertising()

	// Notify pushes a payload to one subscribed central. A false result
	// with nil error means the notification queue is full; retry after
	// ReadyToNotify.
	Notify(centralID string, ch Characteristic, payload []byte) (bool, error)

	// CancelSubscription force-ends one central's subscription. The
	// acknowledgement arrives as CentralUnsubscribed.
	CancelSubscription(centralID string, ch Characteristic) error

	Close()
}

// Central is the subscriber-side radio surface.
type Central interface {
	ID() string
	State() State
	SetHandler(h CentralHandler)

	StartScan() error
	StopScan()

	// Announce publishes a listener-presence name that live peripherals
	// observe as a sighting.
	Announce(name string) error
	StopAnnounce()

	Connect(peripheralID string) error
	ResolveServices(peripheralID string) error
	Subscribe(peripheralID string, ch Characteristic) error
	Unsubscribe(peripheralID string, ch Characteristic) error

	// Write sends a payload to a writable characteristic. withResponse
	// selects acknowledged delivery; without it, failures after
	// connection checks are silent.
	Write(peripheralID string, ch Characteristic, payload []byte, withResponse bool) error

	Disconnect(peripheralID string)
	Close()
}
