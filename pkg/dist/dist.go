// Package dist implements the process group used for data-parallel training.
//
// Rank 0 listens on MASTER_ADDR:MASTER_PORT and every other rank dials it.
// Collectives are reduced on rank 0 and fanned back out.
package dist

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	helloMagic uint32 = 0x45324541

	opAllReduce byte = 1
	opBroadcast byte = 2

	dialInterval = 100 * time.Millisecond
)

// ErrClosed is returned by collectives on a closed group.
var ErrClosed = errors.New("process group is closed")

// Env is the rendezvous description a distributed launcher exports.
type Env struct {
	MasterAddr string
	MasterPort int
	WorldSize  int
	Rank       int
}

// FromEnv reads MASTER_ADDR, MASTER_PORT, WORLD_SIZE and RANK. RANK defaults
// to localRank for single node launches.
func FromEnv(localRank int) (Env, error) {
	env := Env{
		MasterAddr: "127.0.0.1",
		MasterPort: 29500,
		WorldSize:  1,
		Rank:       localRank,
	}
	if v := os.Getenv("MASTER_ADDR"); v != "" {
		env.MasterAddr = v
	}
	for name, dst := range map[string]*int{
		"MASTER_PORT": &env.MasterPort,
		"WORLD_SIZE":  &env.WorldSize,
		"RANK":        &env.Rank,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return env, fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}
	if env.WorldSize < 1 || env.Rank < 0 || env.Rank >= env.WorldSize {
		return env, fmt.Errorf("rank %d outside world of size %d", env.Rank, env.WorldSize)
	}
	return env, nil
}

// Group is an initialised process group.
type Group struct {
	backend string
	rank    int
	world   int

	mu     sync.Mutex
	peers  []net.Conn // rank 0: indexed by rank, peers[0] unused
	master net.Conn   // other ranks
	closed bool
}

// Init joins the process group described by env using backend.
func Init(ctx context.Context, backend string, env Env) (*Group, error) {
	switch backend {
	case "tcp", "gloo":
	case "nccl":
		log.Warn("nccl collectives are served by the tcp backend", "rank", env.Rank)
	default:
		return nil, fmt.Errorf("unsupported distributed backend %q", backend)
	}
	g := &Group{backend: backend, rank: env.Rank, world: env.WorldSize}
	if env.WorldSize == 1 {
		return g, nil
	}
	addr := net.JoinHostPort(env.MasterAddr, strconv.Itoa(env.MasterPort))
	if env.Rank == 0 {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		defer ln.Close()
		if err := g.accept(ctx, ln); err != nil {
			return nil, err
		}
		return g, nil
	}
	if err := g.dial(ctx, addr); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Group) accept(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	g.peers = make([]net.Conn, g.world)
	for joined := 1; joined < g.world; {
		conn, err := ln.Accept()
		if err != nil {
			g.Close()
			if ctx.Err() != nil {
				return fmt.Errorf("rendezvous aborted with %d/%d ranks: %w", joined, g.world, ctx.Err())
			}
			return fmt.Errorf("rendezvous accept failed: %w", err)
		}
		var hello [3]uint32
		if err := binary.Read(conn, binary.LittleEndian, &hello); err != nil {
			conn.Close()
			continue
		}
		rank := int(hello[1])
		if hello[0] != helloMagic || int(hello[2]) != g.world || rank < 1 || rank >= g.world || g.peers[rank] != nil {
			log.Warn("rejecting peer", "addr", conn.RemoteAddr(), "rank", rank, "world", hello[2])
			conn.Close()
			continue
		}
		g.peers[rank] = conn
		joined++
		log.Debug("rank joined", "rank", rank, "joined", joined, "world", g.world)
	}
	for _, conn := range g.peers[1:] {
		if err := binary.Write(conn, binary.LittleEndian, helloMagic); err != nil {
			g.Close()
			return fmt.Errorf("rendezvous ack failed: %w", err)
		}
	}
	return nil
}

func (g *Group) dial(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			hello := [3]uint32{helloMagic, uint32(g.rank), uint32(g.world)}
			if err := binary.Write(conn, binary.LittleEndian, hello); err != nil {
				conn.Close()
				return fmt.Errorf("rendezvous hello failed: %w", err)
			}
			stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
			var ack uint32
			err := binary.Read(conn, binary.LittleEndian, &ack)
			stop()
			if err != nil || ack != helloMagic {
				conn.Close()
				return fmt.Errorf("rendezvous with %s failed: %v", addr, err)
			}
			g.master = conn
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("could not reach master %s: %w", addr, ctx.Err())
		case <-time.After(dialInterval):
		}
	}
}

// Rank is the rank of this process.
func (g *Group) Rank() int { return g.rank }

// WorldSize is the number of processes in the group.
func (g *Group) WorldSize() int { return g.world }

// Backend is the backend name the group was initialised with.
func (g *Group) Backend() string { return g.backend }

// IsMaster reports whether this process is rank 0.
func (g *Group) IsMaster() bool { return g.rank == 0 }

// AllReduce replaces buf on every rank with the element-wise sum over ranks.
func (g *Group) AllReduce(ctx context.Context, buf []float32) error {
	return g.collective(ctx, opAllReduce, buf)
}

// Broadcast replaces buf on every rank with rank 0's buf.
func (g *Group) Broadcast(ctx context.Context, buf []float32) error {
	return g.collective(ctx, opBroadcast, buf)
}

// Barrier returns once every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.collective(ctx, opAllReduce, nil)
}

func (g *Group) collective(ctx context.Context, op byte, buf []float32) error {
	if g.world == 1 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	conns := g.peers[1:]
	if g.rank != 0 {
		conns = []net.Conn{g.master}
	}
	deadline, _ := ctx.Deadline()
	for _, c := range conns {
		c.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		for _, c := range conns {
			c.SetDeadline(time.Now())
		}
	})
	defer stop()

	var err error
	if g.rank == 0 {
		err = g.reduceAndFanOut(op, buf)
	} else {
		err = g.sendAndReceive(op, buf)
	}
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("collective interrupted: %w", ctx.Err())
	}
	return err
}

func (g *Group) reduceAndFanOut(op byte, buf []float32) error {
	if op == opAllReduce {
		scratch := make([]float32, len(buf))
		for rank := 1; rank < g.world; rank++ {
			if err := readFrame(g.peers[rank], op, scratch); err != nil {
				return fmt.Errorf("reduce from rank %d: %w", rank, err)
			}
			for i, v := range scratch {
				buf[i] += v
			}
		}
	}
	for rank := 1; rank < g.world; rank++ {
		if err := writeFrame(g.peers[rank], op, buf); err != nil {
			return fmt.Errorf("send to rank %d: %w", rank, err)
		}
	}
	return nil
}

func (g *Group) sendAndReceive(op byte, buf []float32) error {
	if op == opAllReduce {
		if err := writeFrame(g.master, op, buf); err != nil {
			return fmt.Errorf("send to master: %w", err)
		}
	}
	if err := readFrame(g.master, op, buf); err != nil {
		return fmt.Errorf("receive from master: %w", err)
	}
	return nil
}

// Close tears down every connection of the group.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	var errs []error
	for _, c := range g.peers {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	if g.master != nil {
		errs = append(errs, g.master.Close())
	}
	return errors.Join(errs...)
}

func writeFrame(w io.Writer, op byte, buf []float32) error {
	frame := make([]byte, 5+4*len(buf))
	frame[0] = op
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(buf)))
	for i, v := range buf {
		binary.LittleEndian.PutUint32(frame[5+4*i:], math.Float32bits(v))
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader, op byte, buf []float32) error {
	var head [5]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint32(head[1:]))
	if head[0] != op || n != len(buf) {
		return fmt.Errorf("mismatched collective: got op %d len %d, want op %d len %d", head[0], n, op, len(buf))
	}
	body := make([]byte, 4*n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return nil
}
