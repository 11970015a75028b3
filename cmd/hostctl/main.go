// Command hostctl wires the USB host stack against a fake bus and pipe and
// runs the supervisor loop, printing every observed host event. It exists
// to exercise the full stack end to end; a real deployment replaces
// bus.Fake/pipe.Fake with hardware-backed implementations of C1/C2.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardnew/usbhost/bus"
	"github.com/ardnew/usbhost/class/dfu"
	"github.com/ardnew/usbhost/class/hid"
	"github.com/ardnew/usbhost/dispatch"
	"github.com/ardnew/usbhost/pkg"
	"github.com/ardnew/usbhost/pkg/prof"
	"github.com/ardnew/usbhost/pipe"
	"github.com/ardnew/usbhost/supervisor"
	"github.com/ardnew/usbhost/topology"
	"github.com/ardnew/usbhost/transfer"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	nrDevices := flag.Int("nr-devices", 16, "address table capacity (NR_DEVICES)")
	nrHubs := flag.Int("nr-hubs", 4, "supervisor-retained hub capacity (NR_HUBS)")
	nrTasks := flag.Int("nr-tasks", 8, "class-driver task slab capacity (NR_DEVICE_TASKS)")
	cpuProfile := flag.String("cpuprofile", "", "write a pprof CPU profile to this path on exit (requires the profile build tag)")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			fmt.Fprintf(os.Stderr, "cpu profile: %v\n", err)
		} else {
			defer prof.StopCPU()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	b := bus.NewAttachResetBus(bus.NewFake())
	p := pipe.NewFake()
	table := topology.New(*nrDevices)
	eng := transfer.New(p, table)
	dsp := dispatch.New(*nrTasks, hid.Driver{}, dfu.Driver{})
	sup := supervisor.New(b, eng, dsp, *nrHubs)

	fmt.Println("usbhost supervisor running (Ctrl+C to stop)")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, err := sup.Run(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "supervisor error: %v\n", err)
			continue
		}
		printEvent(ev)
	}
}

func printEvent(ev supervisor.HostEvent) {
	switch ev.Kind {
	case supervisor.NewDevice:
		fmt.Printf("new device: address=%d vendor=0x%04x product=0x%04x class=0x%02x\n",
			ev.Handle.Address, ev.Descriptor.VendorID, ev.Descriptor.ProductID, ev.Descriptor.DeviceClass)
	case supervisor.DeviceDetach:
		fmt.Printf("device detach: addresses=%v\n", ev.Mask.Addresses())
	case supervisor.SuspendedEvent:
		fmt.Println("bus suspended")
	}
}
