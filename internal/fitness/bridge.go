package fitness

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"trafficevo/internal/tlprogram"
)

const maxFrameSize = 16 << 20

type BridgeConfig struct {
	// Network is "unix" unless set; Address is the socket path or host:port.
	Network string
	Address string
	Timeout time.Duration
	// TeleportWeight is added to fitness per teleported vehicle.
	TeleportWeight float64
}

type bridgeRequest struct {
	Endpoint string              `msgpack:"endpoint"`
	SetID    string              `msgpack:"set_id"`
	Programs []tlprogram.Program `msgpack:"programs"`
}

type bridgeResponse struct {
	Steps      int    `msgpack:"steps"`
	Teleported int    `msgpack:"teleported"`
	Error      string `msgpack:"error"`
}

// BridgeEvaluator talks to a long-running simulator process over a socket.
// Messages are msgpack bodies behind a 4-byte big-endian length prefix.
type BridgeEvaluator struct {
	cfg BridgeConfig
}

func NewBridgeEvaluator(cfg BridgeConfig) (*BridgeEvaluator, error) {
	if cfg.Address == "" {
		return nil, errors.New("bridge address is required")
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &BridgeEvaluator{cfg: cfg}, nil
}

func (*BridgeEvaluator) Name() string { return "bridge" }

func (e *BridgeEvaluator) Evaluate(ctx context.Context, set tlprogram.ProgramSet) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, e.cfg.Network, e.cfg.Address)
	if err != nil {
		return Result{}, fmt.Errorf("%w: dial %s: %v", ErrEvaluatorUnavailable, e.cfg.Address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	payload, err := msgpack.Marshal(bridgeRequest{Endpoint: "evaluate", SetID: set.ID, Programs: set.ProgramList()})
	if err != nil {
		return Result{}, fmt.Errorf("encode bridge request: %w", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		return Result{}, bridgeIOError(ctx, "send bridge request", err)
	}
	body, err := readFrame(conn)
	if err != nil {
		return Result{}, bridgeIOError(ctx, "read bridge response", err)
	}

	var resp bridgeResponse
	if err := msgpack.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("decode bridge response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("bridge: %s", resp.Error)
	}
	penalty := float64(resp.Teleported) * e.cfg.TeleportWeight
	return Result{
		Fitness:    float64(resp.Steps) + penalty,
		Ticks:      resp.Steps,
		Teleported: resp.Teleported,
		Penalty:    penalty,
	}, nil
}

// bridgeIOError reports a connection deadline as the context error it
// stands for. The poller can trip the deadline before the context timer
// fires, so ctx.Err() alone is not enough.
func bridgeIOError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
