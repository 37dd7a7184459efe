// Package reconcile compares the desired state of a Podman host with what
// the host reports and applies the smallest change that closes the gap.
//
// Each operation opens its own transport through a TransportFactory,
// probes, decides, acts and disconnects before returning. Operations do
// not retry; the transport does. Results are populated even when an
// operation fails so callers can audit what was observed.
//
// Reconciling the same resource from several processes at once is not
// coordinated. The last writer wins.
package reconcile
