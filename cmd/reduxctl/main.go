// Command reduxctl is the engine's debug CLI: print the version, or
// run the planner against a shape/axes/op combination and print its
// decision as JSON, without needing a GPU attached.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/born-ml/redux/internal/gpuarray"
	"github.com/born-ml/redux/internal/numeric"
	"github.com/born-ml/redux/internal/opkind"
	"github.com/born-ml/redux/internal/reduxplan"
)

const version = "v0.0.1-dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("redux %s\n", version)
			return
		case "plan":
			if err := runPlan(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Println("redux - GPU tensor reduction engine")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  version                 Show version")
	fmt.Println("  plan -shape -axes -op   Print the planner's decision as JSON")
}

func runPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	shape := fs.String("shape", "", "comma-separated source shape, e.g. 32,50,79")
	axes := fs.String("axes", "", "comma-separated reduce axes, e.g. 0,2")
	op := fs.String("op", "sum", "operator name (sum, prod, prodnz, max, min, and, or, xor, any, all, argmax, argmin, maxandargmax, minandargmin)")
	dtype := fs.String("dtype", "float32", "source element type")
	blockSize := fs.Int("block-size", 0, "thread-block size (0 selects the planner default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	lengths, err := parseInts64(*shape)
	if err != nil {
		return fmt.Errorf("reduxctl: -shape: %w", err)
	}
	reduceAxes, err := parseInts(*axes)
	if err != nil {
		return fmt.Errorf("reduxctl: -axes: %w", err)
	}
	reduceOp, ok := opkind.ParseOp(*op)
	if !ok {
		return fmt.Errorf("reduxctl: unknown op %q", *op)
	}
	dt, ok := numeric.Parse(*dtype)
	if !ok {
		return fmt.Errorf("reduxctl: unknown dtype %q", *dtype)
	}

	src := gpuarray.NewContiguous(lengths, dt, planBuf{0}, 0)
	reduceSet := make(map[int]bool, len(reduceAxes))
	for _, a := range reduceAxes {
		reduceSet[a] = true
	}
	dstLengths := make([]int64, 0, len(lengths)-len(reduceSet))
	for i, l := range lengths {
		if !reduceSet[i] {
			dstLengths = append(dstLengths, l)
		}
	}
	idxType := numeric.Int32
	dst := gpuarray.NewContiguous(dstLengths, dt, planBuf{0}, 0)
	var dstIdx *gpuarray.Array
	if reduceOp.TracksIndex() {
		dstIdx = gpuarray.NewContiguous(dstLengths, idxType, planBuf{0}, 0)
	}

	plan, err := reduxplan.Build(reduxplan.Request{
		Src: src, Dst: dst, DstIdx: dstIdx, ReduceAxes: reduceAxes, Op: reduceOp, BlockSize: *blockSize,
	})
	if err != nil {
		return fmt.Errorf("reduxctl: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}

// planBuf is a minimal gpuarray.Buffer used only to satisfy the
// descriptor's buffer field; reduxctl never touches device memory.
type planBuf struct{ n int }

func (b planBuf) ByteLen() int { return b.n }

func parseInts64(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseInts(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
