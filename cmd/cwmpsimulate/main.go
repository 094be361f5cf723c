// Command cwmpsimulate drives the session engine through one CWMP session
// against an in-memory fake CPE, printing the resulting device-data
// snapshot (and, with -v, every RPC exchanged). It exists to exercise the engine end to
// end without a real device or ACS transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr/funcr"

	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/session"
)

type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var gets, sets, addObjects stringList
	deviceID := flag.String("device", "device-1", "simulated device identifier")
	verbose := flag.Bool("v", false, "log each RPC exchanged")
	flag.Var(&gets, "get", "parameter path to read (repeatable)")
	flag.Var(&sets, "set", "name=value parameter to write (repeatable)")
	flag.Var(&addObjects, "ensure", "alias path whose instance must exist, e.g. IF.[Name=wan0] (repeatable)")
	flag.Parse()

	log := funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(os.Stderr, "%s %s\n", prefix, args)
		} else {
			fmt.Fprintln(os.Stderr, args)
		}
	}, funcr.Options{})

	goCtx := context.Background()
	ctx := session.Init(goCtx, *deviceID, "2.0", 30000, session.Collaborators{Log: log})
	if _, err := ctx.Inform(goCtx, session.InformRequest{
		DeviceID: session.DeviceIdentity{Manufacturer: "Acme Networks", OUI: "001122", ProductClass: "Router"},
		Event:    []string{"0 BOOTSTRAP", "1 BOOT"},
	}); err != nil {
		fmt.Fprintln(os.Stderr, "inform:", err)
		os.Exit(1)
	}

	decls, err := declarationsFromFlags(gets, sets, addObjects)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cpe := newFakeCPE()
	if err := runCycleToConvergence(goCtx, ctx, cpe, decls, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}

	out, err := session.DumpYAML(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dump:", err)
		os.Exit(1)
	}
	fmt.Println(out)
}

// runCycleToConvergence repeatedly hands each planner-emitted request to the
// fake CPE and feeds its reply back in, until the cycle produces no further
// request.
func runCycleToConvergence(goCtx context.Context, ctx *session.SessionContext, cpe *fakeCPE, decls []declare.Declaration, verbose bool) error {
	req, err := ctx.RunCycle(goCtx, decls)
	if err != nil {
		return err
	}
	for req != nil {
		if verbose {
			fmt.Fprintf(os.Stderr, "-> %+v\n", req)
		}
		resp, fault := cpe.handle(req)
		if fault != nil {
			if verbose {
				fmt.Fprintf(os.Stderr, "<- fault %s: %s\n", fault.FaultCode, fault.FaultString)
			}
			if err := ctx.RPCFault(goCtx, ctx.PendingRPCID, *fault); err != nil {
				return err
			}
		} else {
			if verbose {
				fmt.Fprintf(os.Stderr, "<- %+v\n", resp)
			}
			if err := ctx.RPCResponse(goCtx, ctx.PendingRPCID, resp); err != nil {
				return err
			}
		}
		req, err = ctx.RunCycle(goCtx, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// declarationsFromFlags turns -get/-set/-ensure flags into Declaration IR.
func declarationsFromFlags(gets, sets, ensures []string) ([]declare.Declaration, error) {
	var out []declare.Declaration
	for _, g := range gets {
		out = append(out, declare.Declaration{
			Path:    path.Parse(g),
			PathGet: 1,
			AttrGet: map[model.AttrKind]int64{model.AttrValue: 1},
		})
	}
	for _, s := range sets {
		name, literal, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("cwmpsimulate: -set %q must be name=value", s)
		}
		tv := model.TypedValue{Literal: literal, XSDType: model.InferXSDType(literal)}
		out = append(out, declare.Declaration{
			Path:    path.Parse(name),
			AttrSet: map[model.AttrKind]any{model.AttrValue: tv},
		})
	}
	for _, e := range ensures {
		out = append(out, declare.Declaration{
			Path:    path.Parse(e),
			PathSet: &declare.InstanceBound{Min: 1, Max: -1},
		})
	}
	return out, nil
}
