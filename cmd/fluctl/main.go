// Command fluctl is an interactive administration shell for a single FLU,
// opened directly against its data directory. It exists for local
// operator use — inspecting hard state, forcing a seal, or taking a
// throttled snapshot — not as a client of a networked service.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/kdevo/goflu/core/flu"
)

func main() {
	dir := flag.String("dir", "", "FLU data directory to open")
	pageSize := flag.Int("page-size", flu.DefaultPageSize, "page payload size in bytes")
	maxMem := flag.Int64("max-mem", flu.DefaultMaxMem, "addressable memfile size in bytes")
	flag.Parse()

	if *dir == "" {
		fmt.Println("fluctl: -dir is required")
		return
	}

	node, err := flu.Open(flu.Config{
		Dir:      *dir,
		PageSize: *pageSize,
		MaxMem:   *maxMem,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		fmt.Printf("fluctl: opening %s: %v\n", *dir, err)
		return
	}
	defer node.Stop(context.Background())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fluctl> ",
		HistoryFile:     "/tmp/.fluctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("fluctl: initializing readline: %v\n", err)
		return
	}
	defer rl.Close()

	fmt.Printf("fluctl attached to %s (instance %s). Type 'help' for commands.\n", *dir, node.InstanceID())

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Printf("fluctl: %v\n", err)
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if quit := dispatch(node, fields); quit {
			return
		}
	}
}

func dispatch(node *flu.FLU, args []string) (quit bool) {
	ctx := context.Background()
	cmd := strings.ToLower(args[0])

	switch cmd {
	case "write":
		if len(args) < 4 {
			fmt.Println("usage: write <epoch> <lpn> <payload>")
			return
		}
		epoch, lpn, ok := parseEpochLPN(args[1], args[2])
		if !ok {
			return
		}
		payload := []byte(strings.Join(args[3:], " "))
		if err := node.Write(ctx, epoch, lpn, padOrTrunc(payload, node)); err != nil {
			fmt.Printf("write error: %v\n", err)
			return
		}
		fmt.Println("OK")

	case "read":
		if len(args) < 3 {
			fmt.Println("usage: read <epoch> <lpn>")
			return
		}
		epoch, lpn, ok := parseEpochLPN(args[1], args[2])
		if !ok {
			return
		}
		got, err := node.Read(ctx, epoch, lpn)
		if err != nil {
			fmt.Printf("read error: %v\n", err)
			return
		}
		fmt.Printf("%s\n", hex.EncodeToString(got))

	case "trim":
		if len(args) < 3 {
			fmt.Println("usage: trim <epoch> <lpn>")
			return
		}
		epoch, lpn, ok := parseEpochLPN(args[1], args[2])
		if !ok {
			return
		}
		if err := node.Trim(ctx, epoch, lpn); err != nil {
			fmt.Printf("trim error: %v\n", err)
			return
		}
		fmt.Println("OK")

	case "fill":
		if len(args) < 3 {
			fmt.Println("usage: fill <epoch> <lpn>")
			return
		}
		epoch, lpn, ok := parseEpochLPN(args[1], args[2])
		if !ok {
			return
		}
		if err := node.Fill(ctx, epoch, lpn); err != nil {
			fmt.Printf("fill error: %v\n", err)
			return
		}
		fmt.Println("OK")

	case "seal":
		if len(args) < 2 {
			fmt.Println("usage: seal <epoch>")
			return
		}
		epoch, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Printf("invalid epoch: %v\n", err)
			return
		}
		tail, err := node.Seal(ctx, epoch)
		if err != nil {
			fmt.Printf("seal error: %v\n", err)
			return
		}
		fmt.Printf("sealed at epoch %d, tail=%d\n", epoch, tail)

	case "status":
		st, err := node.Status(ctx)
		if err != nil {
			fmt.Printf("status error: %v\n", err)
			return
		}
		fmt.Printf("instance_id=%s min_epoch=%d page_size=%d max_mem=%d max_logical_page=%d trim_watermark=%d\n",
			st.InstanceID, st.MinEpoch, st.PageSize, st.MaxMem, st.MaxLogicalPage, st.TrimWatermark)

	case "backup":
		if len(args) < 2 {
			fmt.Println("usage: backup <dst-dir> [rate-bytes-per-sec]")
			return
		}
		var rateLimit int64
		if len(args) >= 3 {
			r, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				fmt.Printf("invalid rate: %v\n", err)
				return
			}
			rateLimit = r
		}
		results, err := node.Backup(ctx, args[1], rateLimit)
		if err != nil {
			fmt.Printf("backup error: %v\n", err)
			return
		}
		for _, r := range results {
			fmt.Printf("copied %s -> %s (%d bytes, sha256=%s)\n", r.Src, r.Dst, r.BytesCopied, r.SHA256)
		}

	case "help":
		printHelp()

	case "exit", "quit":
		return true

	default:
		fmt.Printf("unknown command %q; type 'help' for a list\n", cmd)
	}
	return false
}

func parseEpochLPN(epochArg, lpnArg string) (epoch, lpn uint64, ok bool) {
	epoch, err := strconv.ParseUint(epochArg, 10, 64)
	if err != nil {
		fmt.Printf("invalid epoch: %v\n", err)
		return 0, 0, false
	}
	lpn, err = strconv.ParseUint(lpnArg, 10, 64)
	if err != nil {
		fmt.Printf("invalid lpn: %v\n", err)
		return 0, 0, false
	}
	return epoch, lpn, true
}

func padOrTrunc(payload []byte, node *flu.FLU) []byte {
	st, err := node.Status(context.Background())
	if err != nil {
		return payload
	}
	buf := make([]byte, st.PageSize)
	copy(buf, payload)
	return buf
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  write <epoch> <lpn> <payload>")
	fmt.Println("  read <epoch> <lpn>")
	fmt.Println("  trim <epoch> <lpn>")
	fmt.Println("  fill <epoch> <lpn>")
	fmt.Println("  seal <epoch>")
	fmt.Println("  status")
	fmt.Println("  backup <dst-dir> [rate-bytes-per-sec]")
	fmt.Println("  help")
	fmt.Println("  exit / quit")
}
