// Package gossip implements the packet layer: a single worker goroutine
// owns one UDP socket and runs the advertise / request / payload state
// machine over a bounded retransmission cache, while the application
// talks to it through two channel-backed handles.
package gossip

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/Ediacarium/walkie-talkie-pi/internal/metrics"
	"github.com/Ediacarium/walkie-talkie-pi/internal/wire"
)

const (
	// maxPacketsStored bounds the worker's retransmission cache. Oldest
	// entries are evicted first once this many are held.
	maxPacketsStored = 200

	// recvBufferBytes must comfortably exceed the largest expected
	// datagram: a payload envelope wrapping a large read bucket's worth
	// of samples.
	recvBufferBytes = 1 << 16

	outboundChannelBuf = 64
	inboundChannelBuf  = 64
)

// Received is one application-visible delivery: a previously-unseen
// payload body plus the identity of the packet that carried it.
type Received struct {
	Body   []byte
	Codec  byte
	Source int64
	Seq    uint8
}

// Sender is the application's handle for registering and broadcasting
// payloads. Safe for concurrent use by multiple callers — the only shared
// mutable state (the sequence counter) is guarded by a mutex.
type Sender struct {
	ownAddr int64
	port    uint16
	conn    *net.UDPConn
	limiter *rate.Limiter
	toCache chan<- wire.Payload
	metrics *metrics.Metrics // nil unless metrics collection is enabled

	mu  sync.Mutex
	seq uint8
}

// Receiver is the application's handle for draining delivered payloads.
type Receiver struct {
	fromWorker <-chan Received
}

// Worker owns the socket and the cache; it is never touched directly by
// the application once Start returns its handles.
type Worker struct {
	ownAddr int64
	port    uint16
	conn    *net.UDPConn
	limiter *rate.Limiter

	cache   map[wire.PacketID]wire.Payload
	order   []wire.PacketID // FIFO insertion order, oldest first
	toCache <-chan wire.Payload
	toApp   chan<- Received
	metrics *metrics.Metrics // nil unless metrics collection is enabled
}

// Start binds a UDP socket on 0.0.0.0:port with SO_BROADCAST enabled,
// launches the worker goroutine, and returns the Sender/Receiver handles.
// m may be nil to disable metrics collection entirely. A bind failure is
// fatal — the caller should abort the process with the returned error.
func Start(port uint16, ownAddr int64, limit rate.Limit, burst int, m *metrics.Metrics) (*Sender, *Receiver, error) {
	conn, err := listenBroadcast(port)
	if err != nil {
		return nil, nil, fmt.Errorf("gossip: bind: %w", err)
	}

	toCache := make(chan wire.Payload, outboundChannelBuf)
	toApp := make(chan Received, inboundChannelBuf)
	limiter := rate.NewLimiter(limit, burst)

	w := &Worker{
		ownAddr: ownAddr,
		port:    port,
		conn:    conn,
		limiter: limiter,
		cache:   make(map[wire.PacketID]wire.Payload),
		toCache: toCache,
		toApp:   toApp,
		metrics: m,
	}
	go w.run()

	sender := &Sender{
		ownAddr: ownAddr,
		port:    port,
		conn:    conn,
		limiter: limiter,
		toCache: toCache,
		metrics: m,
	}
	receiver := &Receiver{fromWorker: toApp}
	return sender, receiver, nil
}

// listenBroadcast binds a UDP4 socket and sets SO_BROADCAST so Send can
// target 255.255.255.255. A single *net.UDPConn is shared by the worker
// (blocking ReadFromUDP) and the sender (WriteToUDP for advertisements) —
// net.Conn is documented safe for concurrent use by multiple goroutines,
// which stands in for the source's socket-clone-per-role split.
func listenBroadcast(port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// Send assigns this node's (address, sequence) to payload, registers it
// with the worker's cache, and broadcasts an Advertisement for it. The
// sequence counter is a byte and wraps modulo 256.
func (s *Sender) Send(body []byte, codec byte) {
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	id := wire.PacketID{SourceAddr: s.ownAddr, Sequence: seq}
	payload := wire.Payload{ID: id, Codec: codec, Body: body}

	s.toCache <- payload
	if s.metrics != nil {
		s.metrics.PayloadsSent.Inc()
	}

	s.broadcast(wire.Advertisement{ID: id, Advertiser: s.ownAddr})
}

// broadcast rate-limits and sends an encoded packet to the broadcast
// address. A limiter rejection skips the send without logging it — the
// protocol already tolerates loss, so a throttled advertisement is no
// different from a dropped datagram.
func (s *Sender) broadcast(p any) {
	if !s.limiter.Allow() {
		return
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		log.Printf("gossip: encode %T: %v", p, err)
		return
	}
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: int(s.port)}
	if _, err := s.conn.WriteToUDP(encoded, addr); err != nil {
		log.Printf("gossip: broadcast send: %v", err)
		return
	}
	if s.metrics != nil {
		s.metrics.AdvertisementsSent.Inc()
	}
}

// Receive blocks until the worker delivers the next previously-unseen
// payload, or returns ok=false if the worker has shut down.
func (r *Receiver) Receive() (Received, bool) {
	v, ok := <-r.fromWorker
	return v, ok
}

// TryReceive is the non-blocking variant of Receive.
func (r *Receiver) TryReceive() (Received, bool) {
	select {
	case v, ok := <-r.fromWorker:
		return v, ok
	default:
		return Received{}, false
	}
}

// run is the worker's main loop: block on the socket, drain any pending
// cache registrations, dispatch the decoded packet. It never returns
// except via a read error on a closed socket (process teardown).
func (w *Worker) run() {
	buf := make([]byte, recvBufferBytes)
	for {
		n, remote, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("gossip: worker exiting: %v", err)
			close(w.toApp)
			return
		}
		w.drainPending()

		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			log.Printf("gossip: decode from %v: %v", remote, err)
			if w.metrics != nil {
				w.metrics.DecodeErrors.Inc()
			}
			continue
		}
		w.dispatch(pkt, remote)
	}
}

// drainPending empties the outbound registration channel without
// blocking, inserting each pending payload into the cache.
func (w *Worker) drainPending() {
	for {
		select {
		case payload := <-w.toCache:
			w.insert(payload)
		default:
			return
		}
	}
}

// insert adds payload to the cache, evicting the oldest entry first if
// the cache is already at capacity.
func (w *Worker) insert(payload wire.Payload) {
	if _, exists := w.cache[payload.ID]; exists {
		return
	}
	if len(w.order) >= maxPacketsStored {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.cache, oldest)
	}
	w.cache[payload.ID] = payload
	w.order = append(w.order, payload.ID)
	if w.metrics != nil {
		w.metrics.RetransmitCacheSize.Set(float64(len(w.order)))
	}
}

func (w *Worker) dispatch(pkt any, remote *net.UDPAddr) {
	switch v := pkt.(type) {
	case wire.Advertisement:
		w.handleAdvertisement(v, remote)
	case wire.SendRequest:
		w.handleSendRequest(v, remote)
	case wire.Payload:
		w.handlePayload(v, remote)
	}
}

// handleAdvertisement asks the advertiser for the payload unless we
// already hold it.
func (w *Worker) handleAdvertisement(adv wire.Advertisement, remote *net.UDPAddr) {
	if _, have := w.cache[adv.ID]; have {
		return
	}
	w.sendTo(remote, wire.SendRequest{ID: adv.ID})
	if w.metrics != nil {
		w.metrics.SendRequestsSent.Inc()
	}
}

// handleSendRequest replies with the cached payload if we have it.
// Replies go to the requester's observed address, never re-broadcast —
// re-broadcasting a reply would let one retransmit request amplify into
// a broadcast storm.
func (w *Worker) handleSendRequest(req wire.SendRequest, remote *net.UDPAddr) {
	payload, have := w.cache[req.ID]
	if !have {
		return
	}
	w.sendTo(remote, payload)
}

// handlePayload inserts a newly-seen payload, re-advertises it so other
// peers can learn of it, and forwards it to the application. A payload
// whose id is already cached is a duplicate and is silently ignored.
func (w *Worker) handlePayload(payload wire.Payload, remote *net.UDPAddr) {
	if _, have := w.cache[payload.ID]; have {
		if w.metrics != nil {
			w.metrics.DuplicatesIgnored.Inc()
		}
		return
	}
	w.insert(payload)
	w.sendBroadcast(wire.Advertisement{ID: payload.ID, Advertiser: w.ownAddr})

	select {
	case w.toApp <- Received{Body: payload.Body, Codec: payload.Codec, Source: payload.ID.SourceAddr, Seq: payload.ID.Sequence}:
		if w.metrics != nil {
			w.metrics.PayloadsReceived.Inc()
		}
	default:
		log.Printf("gossip: application receive channel full, dropping delivery for %+v", payload.ID)
	}
}

// sendTo unicasts an encoded packet to remote, rate-limited the same as
// broadcasts.
func (w *Worker) sendTo(remote *net.UDPAddr, p any) {
	if !w.limiter.Allow() {
		return
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		log.Printf("gossip: encode %T: %v", p, err)
		return
	}
	if _, err := w.conn.WriteToUDP(encoded, remote); err != nil {
		log.Printf("gossip: unicast send to %v: %v", remote, err)
	}
}

func (w *Worker) sendBroadcast(p any) {
	if !w.limiter.Allow() {
		return
	}
	encoded, err := wire.Encode(p)
	if err != nil {
		log.Printf("gossip: encode %T: %v", p, err)
		return
	}
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: int(w.port)}
	if _, err := w.conn.WriteToUDP(encoded, addr); err != nil {
		log.Printf("gossip: broadcast send: %v", err)
		return
	}
	if w.metrics != nil {
		w.metrics.AdvertisementsSent.Inc()
	}
}

// Close shuts down the shared socket, unblocking the worker's ReadFromUDP
// and ending its loop. Safe to call once.
func (s *Sender) Close() error {
	return s.conn.Close()
}
