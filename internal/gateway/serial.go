package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/sortbot/internal/geom"
	"github.com/banshee-data/sortbot/internal/monitoring"
	"github.com/banshee-data/sortbot/internal/serialmux"
)

// Line protocol commands. Every request is prefixed with "#<n> " and the
// firmware echoes the tag on its reply.
const (
	CmdMove      = "MOVE"
	CmdGripOpen  = "GRIP OPEN"
	CmdGripClose = "GRIP CLOSE"
	CmdPose      = "POSE"
	CmdStop      = "STOP"

	ReplyOK            = "OK"
	ReplyTimeout       = "TIMEOUT"
	ReplyGripConfirmed = "GRIP CONFIRMED"
	ReplyGripEmpty     = "GRIP EMPTY"
	ReplyPose          = "POSE"
	ReplyErr           = "ERR"
)

// SerialGateway speaks the robot line protocol over a serialmux link. One
// request is in flight at a time; replies carrying another tag are stale and
// ignored.
type SerialGateway struct {
	link serialmux.SerialMuxInterface

	mu    sync.Mutex
	seq   uint64
	subID string
	lines chan string
}

// NewSerialGateway subscribes to link. The caller must keep link.Monitor
// running for replies to arrive.
func NewSerialGateway(link serialmux.SerialMuxInterface) *SerialGateway {
	id, lines := link.Subscribe()
	return &SerialGateway{link: link, subID: id, lines: lines}
}

// Close unsubscribes from the link. The link itself stays open.
func (g *SerialGateway) Close() {
	g.link.Unsubscribe(g.subID)
}

// parseReply splits "#<n> rest" into its tag and body.
func parseReply(line string) (seq uint64, body string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	tag, body, _ := strings.Cut(line[1:], " ")
	n, err := strconv.ParseUint(tag, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, strings.TrimSpace(body), true
}

// request sends cmd and waits for the reply with the matching tag.
func (g *SerialGateway) request(ctx context.Context, cmd string, timeoutErr error) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	seq := g.seq
	if err := g.link.SendCommand(fmt.Sprintf("#%d %s", seq, cmd)); err != nil {
		return "", fmt.Errorf("%w: send %q: %v", ErrGateway, cmd, err)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%s: %w", cmd, timeoutErr)
			}
			return "", ctx.Err()

		case line, ok := <-g.lines:
			if !ok {
				return "", fmt.Errorf("%w: link closed", ErrGateway)
			}
			got, body, ok := parseReply(line)
			if !ok {
				// firmware log output
				continue
			}
			if got != seq {
				monitoring.Logf("gateway: ignoring stale reply %q (want #%d)", line, seq)
				continue
			}
			switch {
			case body == ReplyTimeout:
				return "", fmt.Errorf("%s: %w", cmd, timeoutErr)
			case body == ReplyErr || strings.HasPrefix(body, ReplyErr+" "):
				return "", fmt.Errorf("%w: %s: %s", ErrGateway, cmd, strings.TrimSpace(strings.TrimPrefix(body, ReplyErr)))
			}
			return body, nil
		}
	}
}

func expectOK(cmd, body string) error {
	if body != ReplyOK {
		return fmt.Errorf("%w: %s: malformed reply %q", ErrGateway, cmd, body)
	}
	return nil
}

// MoveTo implements Gateway.
func (g *SerialGateway) MoveTo(ctx context.Context, target geom.Point) error {
	cmd := fmt.Sprintf("%s %.4f %.4f", CmdMove, target.X, target.Y)
	body, err := g.request(ctx, cmd, ErrMoveTimeout)
	if err != nil {
		return err
	}
	return expectOK(CmdMove, body)
}

// OpenGripper implements Gateway.
func (g *SerialGateway) OpenGripper(ctx context.Context) error {
	body, err := g.request(ctx, CmdGripOpen, ErrActionTimeout)
	if err != nil {
		return err
	}
	return expectOK(CmdGripOpen, body)
}

// CloseGripper implements Gateway.
func (g *SerialGateway) CloseGripper(ctx context.Context) (GripResult, error) {
	body, err := g.request(ctx, CmdGripClose, ErrActionTimeout)
	if err != nil {
		return "", err
	}
	switch body {
	case ReplyGripConfirmed:
		return GripConfirmed, nil
	case ReplyGripEmpty:
		return GripEmpty, nil
	}
	return "", fmt.Errorf("%w: %s: malformed reply %q", ErrGateway, CmdGripClose, body)
}

// CurrentPose implements Gateway.
func (g *SerialGateway) CurrentPose(ctx context.Context) (geom.Point, error) {
	body, err := g.request(ctx, CmdPose, ErrActionTimeout)
	if err != nil {
		return geom.Point{}, err
	}
	fields := strings.Fields(body)
	if len(fields) != 3 || fields[0] != ReplyPose {
		return geom.Point{}, fmt.Errorf("%w: %s: malformed reply %q", ErrGateway, CmdPose, body)
	}
	x, errX := strconv.ParseFloat(fields[1], 64)
	y, errY := strconv.ParseFloat(fields[2], 64)
	if errX != nil || errY != nil {
		return geom.Point{}, fmt.Errorf("%w: %s: malformed reply %q", ErrGateway, CmdPose, body)
	}
	return geom.Point{X: x, Y: y}, nil
}

// Stop implements Gateway.
func (g *SerialGateway) Stop(ctx context.Context) error {
	body, err := g.request(ctx, CmdStop, ErrActionTimeout)
	if err != nil {
		return err
	}
	return expectOK(CmdStop, body)
}
