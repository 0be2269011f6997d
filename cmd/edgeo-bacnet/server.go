// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet"
)

var (
	serverBindAddress string
	serverPort        int
	serverDeviceID    uint32
	serverVendorID    uint16
	serverMaxAPDULen  uint16
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a BACnet/IP server exposing a local device",
	Long: `Server hosts a BACnet/IP device: it answers Who-Is with I-Am and
serves ReadProperty/WriteProperty against an in-memory object table.

Examples:
  # Run a server as device instance 1001 on the default port
  edgeo-bacnet server --device 1001

  # Bind to a specific address
  edgeo-bacnet server --device 1001 --bind-address 0.0.0.0:47808`,

	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverBindAddress, "bind-address", "", "Address to bind to (default :47808)")
	serverCmd.Flags().IntVar(&serverPort, "port", bacnet.DefaultPort, "BACnet/IP port")
	serverCmd.Flags().Uint32Var(&serverDeviceID, "device", 0, "This server's device instance number")
	serverCmd.Flags().Uint16Var(&serverVendorID, "vendor-id", 0, "Vendor ID advertised in I-Am")
	serverCmd.Flags().Uint16Var(&serverMaxAPDULen, "max-apdu-len", bacnet.MaxAPDULength, "Max APDU length advertised in I-Am")

	viper.BindPFlag("server.bind-address", serverCmd.Flags().Lookup("bind-address"))
	viper.BindPFlag("server.port", serverCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.device", serverCmd.Flags().Lookup("device"))
	viper.BindPFlag("server.vendor-id", serverCmd.Flags().Lookup("vendor-id"))
	viper.BindPFlag("server.max-apdu-len", serverCmd.Flags().Lookup("max-apdu-len"))
}

func runServer(cmd *cobra.Command, args []string) error {
	if serverDeviceID == 0 {
		return fmt.Errorf("device instance is required (--device)")
	}

	bindAddress := serverBindAddress
	if bindAddress == "" {
		bindAddress = fmt.Sprintf(":%d", serverPort)
	}

	srv := bacnet.NewServer(serverDeviceID,
		bacnet.WithServerLocalAddress(bindAddress),
		bacnet.WithServerVendorID(serverVendorID),
		bacnet.WithServerMaxAPDULength(serverMaxAPDULen),
		bacnet.WithServerLogger(logger),
	)

	seedDemoObjects(srv.Registry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer srv.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	fmt.Fprintf(os.Stderr, "bacnet server listening on %s as device %d, press Ctrl+C to stop\n", bindAddress, serverDeviceID)
	<-sigCh

	fmt.Fprintln(os.Stderr, "shutting down...")
	return nil
}

// seedDemoObjects adds a couple of commandable objects so the server has
// something to read/write against out of the box.
func seedDemoObjects(reg *bacnet.Registry) {
	ai := bacnet.NewObject(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogInput, 1), "AnalogInput1")
	ai.SetProperty(bacnet.PropertyPresentValue, float32(0))
	reg.Add(ai)

	ao := bacnet.NewObject(bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogOutput, 1), "AnalogOutput1")
	ao.SetPresentValueRange(0, 100)
	ao.SetProperty(bacnet.PropertyPresentValue, float32(0))
	reg.Add(ao)
}
