package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/pkg/errors"

	"vtcp/pkg/ipstack"
	"vtcp/pkg/iptcpstack"
)

type Repl struct {
	IP  *ipstack.IPStack
	TCP *iptcpstack.TCPStack
	// Backlog is used by the "a" command.
	Backlog int

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

func (r *Repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// StartRepl reads commands from in until it is exhausted, "q" is entered or
// ctx is done. Listeners started with "a" keep accepting until ctx is done.
func (r *Repl) StartRepl(ctx context.Context, in io.Reader, out io.Writer) error {
	r.out = out
	reader := bufio.NewScanner(in)
	for {
		r.printf("> ")
		if ctx.Err() != nil || !reader.Scan() {
			return reader.Err()
		}
		fields := strings.Fields(reader.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "li":
			r.listInterfaces()
		case "ln":
			r.listNeighbors()
		case "ls":
			r.listSockets()
		case "a":
			if len(fields) != 2 {
				r.printf("Usage: a <port>\n")
				continue
			}
			if err := r.acceptOn(ctx, fields[1]); err != nil {
				r.printf("Error: %v\n", err)
			}
		case "q":
			return nil
		default:
			r.printf("Unknown command %q\n", fields[0])
		}
	}
}

func (r *Repl) listInterfaces() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddr/Prefix\tMAC")
	for _, iface := range r.IP.Interfaces {
		fmt.Fprintf(w, "%s\t%s/%d\t%v\n", iface.Name, iface.AssignedIP, iface.AssignedPrefix.Bits(), net.HardwareAddr(iface.LinkAddr))
	}
	w.Flush()
}

func (r *Repl) listNeighbors() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tVIP\tUDPAddr\tMAC")
	for _, n := range r.IP.Neighbors {
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\n", n.InterfaceName, n.DestAddr, n.UDPAddr, net.HardwareAddr(n.LinkAddr))
	}
	w.Flush()
}

func (r *Repl) listSockets() {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := tabwriter.NewWriter(r.out, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tLAddr\tLPort\tRAddr\tRPort\tStatus\tPending")
	for _, sock := range r.TCP.ListSockets() {
		switch {
		case sock.Listen != nil:
			local := sock.Listen.LocalAddr()
			st := sock.Listen.Stats()
			fmt.Fprintf(w, "%d\t%v\t%d\t0.0.0.0\t0\t%v\t%d/%d\n",
				sock.SID, local.Addr(), local.Port(), iptcpstack.Listening, st.InFlight, st.Ready)
		case sock.Conn != nil:
			c := sock.Conn
			fmt.Fprintf(w, "%d\t%v\t%d\t%v\t%d\t%v\t-\n",
				sock.SID, c.Local.Addr(), c.Local.Port(), c.Remote.Addr(), c.Remote.Port(), c.State())
		}
	}
	w.Flush()
}

func (r *Repl) acceptOn(ctx context.Context, portArg string) error {
	port, err := strconv.ParseUint(portArg, 10, 16)
	if err != nil {
		return errors.Wrapf(err, "invalid port %q", portArg)
	}
	l, err := r.TCP.VListen(uint16(port), r.Backlog)
	if err != nil {
		return err
	}
	go r.acceptLoop(ctx, l)
	return nil
}

func (r *Repl) acceptLoop(ctx context.Context, l *iptcpstack.VTCPListener) {
	for {
		conn, err := l.VAccept(ctx)
		switch {
		case err == nil:
			sid := r.TCP.AddConn(conn)
			r.printf("New connection on port %d => created new socket %d (%v)\n", l.LocalAddr().Port(), sid, conn)
		case errors.Is(err, iptcpstack.ErrHandshakeTimeout):
			r.printf("Handshake on %v timed out\n", l.LocalAddr())
		default:
			l.VClose()
			return
		}
	}
}
