// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches the dataset files over HTTP, with a progress
// bar and optional checksum validation.
package downloader

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// copyBytesBar copies bytes from an io.Reader to an io.Writer while
// displaying a progress bar. It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	barUnit, numUnits, addedUnits int64
	amountWritten                 int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w, barUnit: 1}
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(data.ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, updating the progress bar as data flows.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but displays a progress bar
// with the amount of data copied. It requires knowing the amount of data to
// copy up-front.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download the file from url and save it at the given path, creating the
// directory if needed. Optionally display a progress bar.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = data.ReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	if showProgressBar && resp.ContentLength > 0 {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	if err = resp.Body.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing checks whether the file at filePath exists already, and
// if not downloads it from the given URL.
//
// If checkHash is given, the file contents (pre-existing or just
// downloaded) are validated against it.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = data.ReplaceTildeInDir(filePath)
	if !data.FileExists(filePath) {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return data.ValidateChecksum(filePath, checkHash)
}
