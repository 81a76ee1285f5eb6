package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var (
	socketPath = flag.String("socket", "/run/scsitargetd.sock", "Path to the scsitargetd control socket")
	outputFmt  = flag.String("output", "table", "Output format; one of [table, json, openmetrics]")
	noHeader   = flag.Bool("no-header", false, "Supress the header in table format output")
	token      = flag.String("token", "", "Shared secret, if the daemon requires one")
)

type DeviceState struct {
	Device      string
	Personality string
	Blocks      uint64
	BlockSize   uint32
	TrayOpen    bool
}

type Devices []DeviceState

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Println()
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("The following state flags might be shown:")
		fmt.Println("  T   - The tray is open (removable devices)")
		fmt.Println("  -   - No state to report")
		fmt.Println()
	}
	flag.Parse()

	state, err := queryDaemon(*socketPath, *token)
	if err != nil {
		log.Fatalf("Failed to query %s: %v", *socketPath, err)
	}

	if *outputFmt == "json" {
		outputJSON(state)
	} else if *outputFmt == "openmetrics" {
		outputMetrics(state)
	} else if *outputFmt == "table" {
		outputTable(state)
	} else {
		fmt.Printf("Unsupported output format %q\n", *outputFmt)
		flag.Usage()
		os.Exit(2)
	}
}

// queryDaemon sends a STATUS command down the control socket and parses
// the tab-separated reply lines up to the END marker.
func queryDaemon(path, token string) (Devices, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	line := "STATUS"
	if token != "" {
		line += " TOKEN:" + token
	}
	if _, err := fmt.Fprintln(conn, line); err != nil {
		return nil, err
	}

	var state Devices
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := scanner.Text()
		if reply == "END" {
			return state, nil
		}
		if strings.HasPrefix(reply, "ERR") {
			return nil, fmt.Errorf("daemon: %s", strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
		}
		fields := strings.Split(reply, "\t")
		if len(fields) != 5 {
			log.Printf("Skipping malformed status line %q", reply)
			continue
		}
		maxLBA, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			log.Printf("Bad max LBA in %q: %v", reply, err)
			continue
		}
		blockSize, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			log.Printf("Bad block size in %q: %v", reply, err)
			continue
		}
		state = append(state, DeviceState{
			Device:      fields[0],
			Personality: fields[1],
			Blocks:      maxLBA + 1,
			BlockSize:   uint32(blockSize),
			TrayOpen:    fields[4] == "true",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("connection closed before END marker")
}

func outputJSON(state Devices) {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JSON: %v", err)
	}
	os.Stdout.Write(b)
}

func outputTable(state Devices) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	if *noHeader == false {
		fmt.Fprintf(w, "DEVICE\tTYPE\tBLOCKS\tBLOCKSIZE\tCAPACITY\tSTATE\n")
	}
	for _, s := range state {
		st := "-"
		if s.TrayOpen {
			st = "T"
		}
		fmt.Fprint(w,
			s.Device, "\t",
			s.Personality, "\t",
			s.Blocks, "\t",
			s.BlockSize, "\t",
			humanSize(s.Blocks*uint64(s.BlockSize)), "\t",
			st, "\t",
			"\n")
	}
	w.Flush()
}

func humanSize(bytes uint64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	size := float64(bytes)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
