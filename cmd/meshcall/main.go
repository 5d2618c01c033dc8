/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/trutim/meshcall/pkg/profiling"
)

var (
	cpuProfile string
	memProfile string

	stopProfiling = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "meshcall",
	Short: "Headless participant of peer-to-peer mesh calls",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cpuProfile == "" {
			return nil
		}

		stop, err := profiling.StartCPUProfile(cpuProfile)
		if err != nil {
			return err
		}
		stopProfiling = stop

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		stopProfiling()

		if memProfile != "" {
			if err := profiling.WriteHeapProfile(memProfile); err != nil {
				logrus.WithError(err).Error("could not write memory profile")
			}
		}
	},
}

func main() {
	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().StringVar(&cpuProfile, "cpuProfile", "", "write CPU profile to `file`")
	rootCmd.PersistentFlags().StringVar(&memProfile, "memProfile", "", "write memory profile to `file`")
	rootCmd.AddCommand(joinCmd(), loopbackCmd())

	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("meshcall failed")
		os.Exit(1)
	}
}
