// Command olmcored opens an olmcore engine for a configured account and
// exposes a small command loop for exercising it by hand: inspecting
// identity keys, registering and trusting devices, and generating
// one-time keys. Transport is out of scope; payloads are printed for the
// caller to ship.
package main

import (
	"bufio"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	olmcore "github.com/quietloop/olmcore"
	"github.com/quietloop/olmcore/config"
	"github.com/quietloop/olmcore/devicestore"
	"github.com/quietloop/olmcore/keystore"
)

func main() {
	configPath := flag.String("config", "olmcored.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	logger := log.Default()
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Fatalf("opening log file: %v", err)
		}
		defer f.Close()
		w := io.Writer(f)
		if cfg.Logging.Console {
			w = io.MultiWriter(os.Stderr, f)
		}
		logger = log.New(w, "", log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}

	engine, err := olmcore.New(cfg.Account.UserID, cfg.Account.DeviceID, cfg.Storage.DataDir, logger)
	if err != nil {
		log.Fatalf("opening engine: %v", err)
	}
	defer engine.Close()

	keys := engine.IdentityKeys()
	fmt.Printf("account %s/%s\n", cfg.Account.UserID, cfg.Account.DeviceID)
	fmt.Printf("  ed25519:    %s\n", keys.Ed25519)
	fmt.Printf("  curve25519: %s\n", keys.Curve25519)

	if err := run(engine, cfg, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(engine *olmcore.Olm, cfg config.Config, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := dispatch(engine, cfg, out, fields); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func dispatch(engine *olmcore.Olm, cfg config.Config, out io.Writer, fields []string) error {
	switch fields[0] {
	case "help":
		fmt.Fprint(out, `commands:
  keys                               print identity keys
  otk                                generate and print one-time keys
  device add <user> <device> <ed25519> <curve25519>
  device list <user>
  trust <user> <device> <ed25519>
  untrust <user> <device> <ed25519>
  missing <user> [user...]           devices lacking pairwise sessions
  pending                            queued olm events
  replay                             retry queued olm events
  quit
`)
		return nil

	case "keys":
		keys := engine.IdentityKeys()
		fmt.Fprintf(out, "ed25519:    %s\ncurve25519: %s\n", keys.Ed25519, keys.Curve25519)
		return nil

	case "otk":
		otks, err := engine.GenerateOneTimeKeys(cfg.Keys.OneTimeKeyCount)
		if err != nil {
			return err
		}
		for _, k := range otks {
			fmt.Fprintf(out, "%d %s\n", k.ID, base64.StdEncoding.EncodeToString(k.PublicKey))
		}
		return engine.MarkKeysAsPublished()

	case "device":
		if len(fields) >= 3 && fields[1] == "list" {
			for _, d := range engine.KnownDevices(fields[2]) {
				fmt.Fprintf(out, "%s %s %s\n", d.DeviceID,
					base64.StdEncoding.EncodeToString(d.Ed25519),
					base64.StdEncoding.EncodeToString(d.Curve25519))
			}
			return nil
		}
		if len(fields) == 6 && fields[1] == "add" {
			ed, err := base64.StdEncoding.DecodeString(fields[4])
			if err != nil {
				return fmt.Errorf("bad ed25519 key: %w", err)
			}
			curve, err := base64.StdEncoding.DecodeString(fields[5])
			if err != nil {
				return fmt.Errorf("bad curve25519 key: %w", err)
			}
			added, err := engine.AddDevice(devicestore.Device{
				UserID: fields[2], DeviceID: fields[3], Ed25519: ed, Curve25519: curve,
			})
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintln(out, "already known")
			}
			return nil
		}
		return fmt.Errorf("usage: device add|list ...")

	case "trust", "untrust":
		if len(fields) != 4 {
			return fmt.Errorf("usage: %s <user> <device> <ed25519>", fields[0])
		}
		keyBytes, err := base64.StdEncoding.DecodeString(fields[3])
		if err != nil {
			return fmt.Errorf("bad ed25519 key: %w", err)
		}
		key := keystore.Key{
			UserID: fields[1], DeviceID: fields[2],
			Kind: keystore.KindMatrixEd25519, KeyBytes: keyBytes,
		}
		if fields[0] == "untrust" {
			return engine.UnverifyDevice(key)
		}
		added, err := engine.VerifyDevice(key)
		if err != nil {
			return err
		}
		if !added {
			fmt.Fprintln(out, "already trusted")
		}
		return nil

	case "missing":
		if len(fields) < 2 {
			return fmt.Errorf("usage: missing <user> [user...]")
		}
		for user, devices := range engine.GetMissingSessions(fields[1:]) {
			for device, algorithm := range devices {
				fmt.Fprintf(out, "%s %s %s\n", user, device, algorithm)
			}
		}
		return nil

	case "pending":
		for _, ev := range engine.PendingOlmEvents() {
			fmt.Fprintf(out, "%s from %s\n", ev.ID, ev.Sender)
		}
		return nil

	case "replay":
		engine.ReplayPendingOlmEvents()
		return nil

	default:
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}
