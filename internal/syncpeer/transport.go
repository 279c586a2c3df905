package syncpeer

import "context"

// Transport is the NetworkTransport contract spec.md §6 names, consumed by
// the sync engine. Deliveries may be lost, reordered across devices, or
// duplicated; the protocol layer above tolerates all three (HLC watermarks
// deduplicate, the dependency tracker reorders, snapshots recover from
// loss) rather than asking the transport to guarantee anything stronger.
type Transport interface {
	SendSyncMessage(ctx context.Context, targetDeviceUUID string, env Envelope) error
	GetConnectedSyncPartners() []string
	IsDeviceReachable(deviceUUID string) bool
}

// Handler is what a Transport implementation delivers an inbound Envelope
// to. internal/library wires this to Engine.HandleEnvelope.
type Handler interface {
	HandleEnvelope(ctx context.Context, fromDeviceUUID string, env Envelope) error
}
