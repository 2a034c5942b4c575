package commands

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oncrpcd/oncrpc/pkg/channel"
	"github.com/oncrpcd/oncrpc/pkg/config"
	"github.com/oncrpcd/oncrpc/pkg/rendezvous"
	"github.com/oncrpcd/oncrpc/pkg/rpcauth"
)

var rendezvousAddr string

var rendezvousCmd = &cobra.Command{
	Use:     "rendezvous",
	Aliases: []string{"rv"},
	Short:   "Query or update a portmap/rpcbind rendezvous daemon",
	Long: `rendezvous talks the portmap v2 / rpcbind v3-v4 client protocol
against any rendezvous daemon reachable at --addr, including rpcd's own
"start" command or a system rpcbind.`,
}

func init() {
	rendezvousCmd.PersistentFlags().StringVar(&rendezvousAddr, "addr", "", "rendezvous daemon address (default: rendezvous.addr from config, or 127.0.0.1:111)")

	rendezvousCmd.AddCommand(rendezvousDumpCmd)
	rendezvousCmd.AddCommand(rendezvousGetPortCmd)
	rendezvousCmd.AddCommand(rendezvousSetCmd)
	rendezvousCmd.AddCommand(rendezvousUnsetCmd)
}

var rendezvousDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "List all registered (prog, vers, prot, port) mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closer, err := dialRendezvous(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		mappings, err := client.Dump(cmd.Context())
		if err != nil {
			return fmt.Errorf("dump failed: %w", err)
		}
		for _, m := range mappings {
			fmt.Printf("%-10d %-4d %-4s %d\n", m.Prog, m.Vers, protoName(m.Prot), m.Port)
		}
		return nil
	},
}

var rendezvousGetPortCmd = &cobra.Command{
	Use:   "getport PROG VERS PROT",
	Short: "Look up the port registered for (prog, vers, prot)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, vers, prot, err := parseTriple(args)
		if err != nil {
			return err
		}

		client, closer, err := dialRendezvous(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		port, err := client.GetPort(cmd.Context(), prog, vers, prot)
		if err != nil {
			return fmt.Errorf("getport failed: %w", err)
		}
		fmt.Println(port)
		return nil
	},
}

var rendezvousSetCmd = &cobra.Command{
	Use:   "set PROG VERS PROT PORT",
	Short: "Register a (prog, vers, prot) mapping at PORT",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, vers, prot, err := parseTriple(args[:3])
		if err != nil {
			return err
		}
		port, err := strconv.ParseUint(args[3], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[3], err)
		}

		client, closer, err := dialRendezvous(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		ok, err := client.Set(cmd.Context(), rendezvous.Mapping{Prog: prog, Vers: vers, Prot: prot, Port: uint32(port)})
		if err != nil {
			return fmt.Errorf("set failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("set rejected: mapping already registered or caller not permitted")
		}
		fmt.Println("registered")
		return nil
	},
}

var rendezvousUnsetCmd = &cobra.Command{
	Use:   "unset PROG VERS PROT",
	Short: "Remove a (prog, vers, prot) registration",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		prog, vers, prot, err := parseTriple(args)
		if err != nil {
			return err
		}

		client, closer, err := dialRendezvous(cmd.Context())
		if err != nil {
			return err
		}
		defer closer()

		ok, err := client.Unset(cmd.Context(), prog, vers, prot)
		if err != nil {
			return fmt.Errorf("unset failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("unset rejected: no such mapping or caller not permitted")
		}
		fmt.Println("removed")
		return nil
	},
}

func parseTriple(args []string) (prog, vers, prot uint32, err error) {
	p, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid prog %q: %w", args[0], err)
	}
	v, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid vers %q: %w", args[1], err)
	}
	prot, err = parseProto(args[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return uint32(p), uint32(v), prot, nil
}

func parseProto(s string) (uint32, error) {
	switch s {
	case "tcp", "6":
		return rendezvous.ProtoTCP, nil
	case "udp", "17":
		return rendezvous.ProtoUDP, nil
	default:
		return 0, fmt.Errorf("invalid prot %q: expected tcp, udp, 6, or 17", s)
	}
}

func protoName(prot uint32) string {
	switch prot {
	case rendezvous.ProtoTCP:
		return "tcp"
	case rendezvous.ProtoUDP:
		return "udp"
	default:
		return strconv.FormatUint(uint64(prot), 10)
	}
}

// dialRendezvous resolves --addr (falling back to the loaded config's
// rendezvous.addr, then 127.0.0.1:111) and returns a Client riding a
// ReconnectChannel, plus a closer to release it.
func dialRendezvous(ctx context.Context) (*rendezvous.Client, func(), error) {
	addr := rendezvousAddr
	if addr == "" {
		if cfg, err := config.MustLoad(GetConfigFile()); err == nil && cfg.Rendezvous.Addr != "" {
			addr = cfg.Rendezvous.Addr
		}
	}
	if addr == "" {
		addr = "127.0.0.1:111"
	}

	dial := func(dctx context.Context) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(dctx, "tcp", addr)
	}

	rc, err := channel.NewReconnectChannel(ctx, dial, &rpcauth.NoneAuth{}, rendezvous.Prog, rendezvous.PortmapVer, time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial rendezvous daemon at %s: %w", addr, err)
	}

	client := rendezvous.NewClient(rc)
	return client, func() { _ = rc.Close() }, nil
}
