// Command weave is the CLI client for a running weavenet node. It talks to
// the node's control API and maps failures onto distinct exit codes so
// scripts can tell a missing block from a network timeout.
package main

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/weavemesh/weavenet/pkg/constants"
	"github.com/weavemesh/weavenet/pkg/control"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
	exitTimeout  = 3
	exitIOError  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitError
	}

	var err error
	switch os.Args[1] {
	case "get":
		err = cmdGet(os.Args[2:])
	case "add":
		err = cmdAdd(os.Args[2:])
	case "pin":
		err = cmdCID("Pin", os.Args[2:])
	case "unpin":
		err = cmdCID("Unpin", os.Args[2:])
	case "provide":
		err = cmdCID("Provide", os.Args[2:])
	case "status":
		err = cmdStatus(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		return exitError
	}

	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return exitCode(err)
}

// exitCode maps a failure onto the documented exit codes.
func exitCode(err error) int {
	var apiErr *control.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case control.CodeNotFound:
			return exitNotFound
		case control.CodeTimeout:
			return exitTimeout
		}
		return exitError
	}

	var ioErr *ioError
	if errors.As(err, &ioErr) {
		return exitIOError
	}
	return exitError
}

// ioError marks local file read/write failures.
type ioError struct{ err error }

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

func usage() {
	fmt.Println(`weave - weavenet node client

Usage:
  weave get <cid> [--output FILE]  fetch a block and write it to stdout or FILE
  weave add [FILE]                 store stdin or FILE and print its CID
  weave pin <cid>                  pin a block
  weave unpin <cid>                unpin a block
  weave provide <cid>              announce this node as a provider
  weave status                     print node status

Common flags:
  --control ADDR                   control API address (default ` + constants.DefaultControlAddr + `)

Exit codes:
  0 success, 2 not found, 3 timed out, 4 local I/O error, 1 other`)
}

func dial(controlAddr string) (*control.Client, error) {
	return control.Dial(controlAddr, 5*time.Second)
}

func cmdGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	controlAddr := fs.String("control", constants.DefaultControlAddr, "control API address")
	output := fs.String("output", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get needs exactly one CID")
	}

	client, err := dial(*controlAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	var result struct {
		CID  string `json:"cid"`
		Size uint64 `json:"size"`
		Data string `json:"data"`
	}
	if err := client.Call("Get", map[string]string{"cid": fs.Arg(0)}, &result); err != nil {
		return err
	}

	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return fmt.Errorf("node returned undecodable data: %w", err)
	}

	if *output == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			return &ioError{err}
		}
		return nil
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		return &ioError{err}
	}
	return nil
}

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	controlAddr := fs.String("control", constants.DefaultControlAddr, "control API address")
	pin := fs.Bool("pin", false, "pin after adding")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var data []byte
	var err error
	switch fs.NArg() {
	case 0:
		data, err = io.ReadAll(os.Stdin)
	case 1:
		data, err = os.ReadFile(fs.Arg(0))
	default:
		return fmt.Errorf("add takes at most one file")
	}
	if err != nil {
		return &ioError{err}
	}

	client, err := dial(*controlAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	var result struct {
		CID string `json:"cid"`
	}
	params := map[string]interface{}{
		"data": base64.StdEncoding.EncodeToString(data),
		"pin":  *pin,
	}
	if err := client.Call("Add", params, &result); err != nil {
		return err
	}
	fmt.Println(result.CID)
	return nil
}

// cmdCID runs a method whose only parameter is a CID.
func cmdCID(method string, args []string) error {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	controlAddr := fs.String("control", constants.DefaultControlAddr, "control API address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%s needs exactly one CID", method)
	}

	client, err := dial(*controlAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call(method, map[string]string{"cid": fs.Arg(0)}, nil)
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	controlAddr := fs.String("control", constants.DefaultControlAddr, "control API address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := dial(*controlAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	var info struct {
		PeerID      string   `json:"peer_id"`
		Name        string   `json:"name"`
		State       string   `json:"state"`
		ListenAddrs []string `json:"listen_addrs"`
		Peers       []string `json:"peers"`
		RoutingSize int      `json:"routing_size"`
		StoreBytes  uint64   `json:"store_bytes"`
		Sessions    int      `json:"sessions"`
	}
	if err := client.Call("Info", nil, &info); err != nil {
		return err
	}

	fmt.Printf("peer id:      %s\n", info.PeerID)
	if info.Name != "" {
		fmt.Printf("name:         %s\n", info.Name)
	}
	fmt.Printf("state:        %s\n", info.State)
	for _, addr := range info.ListenAddrs {
		fmt.Printf("listening:    %s\n", addr)
	}
	fmt.Printf("peers:        %d\n", len(info.Peers))
	fmt.Printf("routing size: %d\n", info.RoutingSize)
	fmt.Printf("store bytes:  %d\n", info.StoreBytes)
	fmt.Printf("sessions:     %d\n", info.Sessions)
	return nil
}
