// SPDX-FileCopyrightText: Copyright (c) 2025 The EmberOS Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emberos/trapgate/internal/image"
	"github.com/emberos/trapgate/internal/minikernel"
)

const (
	flagOutput = "output"
)

var mkimageCmd = &cobra.Command{
	Use:   "mkimage",
	Short: "write the built-in demo image to a file",
	Long:  "this writes the packed-batch demo program as a loadable image, a starting point for crafting images by hand",
	RunE:  writeDemoImage,
}

func init() {
	pf := mkimageCmd.PersistentFlags()
	pf.String(flagOutput, "demo.img", "path to write the image to")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(mkimageCmd)
}

func writeDemoImage(_ *cobra.Command, _ []string) error {
	img := minikernel.Demo()

	path := viper.GetString(flagOutput)
	if err := image.WriteFile(path, img); err != nil {
		return err
	}

	logger.Info("image written",
		"path", path,
		"entry", fmt.Sprintf("%#x", img.Entry),
		"text", humanize.IBytes(uint64(len(img.Text))),
		"min_ram", humanize.IBytes(uint64(img.MinRAM)))

	return nil
}
