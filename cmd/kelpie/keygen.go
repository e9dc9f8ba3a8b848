// Copyright 2026 Blink Labs Software
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
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/blinklabs-io/kelpie/keystore"
	"github.com/spf13/cobra"
)

func keygenCommand() *cobra.Command {
	var outDir, name string
	cmd := &cobra.Command{
		Use:         "keygen",
		Short:       "Generate a new authority key pair",
		Annotations: map[string]string{"skipConfig": "true"},
		Run: func(cmd *cobra.Command, args []string) {
			keys, err := keystore.Generate()
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			skeyPath := filepath.Join(outDir, name+".skey")
			vkeyPath := filepath.Join(outDir, name+".vkey")
			if err := keystore.WriteKeyFiles(keys, skeyPath, vkeyPath); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			auth := keys.Authority(1)
			fmt.Printf("signing key file:      %s\n", skeyPath)
			fmt.Printf("verification key file: %s\n", vkeyPath)
			fmt.Printf("signingKey: %s\n", hex.EncodeToString(auth.SigningKey))
			fmt.Printf("vrfKey:     %s\n", hex.EncodeToString(auth.VrfKey))
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVarP(&name, "name", "n", "authority", "key file base name")
	return cmd
}
