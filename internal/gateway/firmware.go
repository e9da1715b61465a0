package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/sortbot/internal/geom"
)

// SimFirmware answers the robot line protocol the way the controller
// firmware does. Paired with serialmux.NewMockSerialMux it lets the binary
// run end to end without hardware.
type SimFirmware struct {
	mu      sync.Mutex
	pose    geom.Point
	holding bool

	// GripScript, when non-empty, supplies GRIP CLOSE outcomes in order.
	GripScript []GripResult
}

// NewSimFirmware creates firmware parked at the origin.
func NewSimFirmware() *SimFirmware {
	return &SimFirmware{}
}

// Respond implements serialmux.Responder.
func (f *SimFirmware) Respond(line string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	tag, cmd, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || !strings.HasPrefix(tag, "#") {
		return []string{"ERR untagged command"}
	}
	reply := func(body string) []string { return []string{tag + " " + body} }

	switch {
	case strings.HasPrefix(cmd, CmdMove+" "):
		fields := strings.Fields(cmd)
		if len(fields) != 3 {
			return reply("ERR bad move")
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			return reply("ERR bad move")
		}
		f.pose = geom.Point{X: x, Y: y}
		return reply(ReplyOK)
	case cmd == CmdGripOpen:
		f.holding = false
		return reply(ReplyOK)
	case cmd == CmdGripClose:
		result := GripConfirmed
		if len(f.GripScript) > 0 {
			result = f.GripScript[0]
			f.GripScript = f.GripScript[1:]
		}
		if result == GripEmpty {
			return reply(ReplyGripEmpty)
		}
		f.holding = true
		return reply(ReplyGripConfirmed)
	case cmd == CmdPose:
		return reply(fmt.Sprintf("%s %.4f %.4f", ReplyPose, f.pose.X, f.pose.Y))
	case cmd == CmdStop:
		return reply(ReplyOK)
	}
	return reply("ERR unknown command")
}

// Pose returns the simulated position.
func (f *SimFirmware) Pose() geom.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pose
}

// Holding reports whether the simulated gripper holds an object.
func (f *SimFirmware) Holding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holding
}
