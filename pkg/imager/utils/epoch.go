// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

// DefaultEpoch is the timestamp applied to every staged file when SOURCE_DATE_EPOCH is not set.
//
// It has to be representable as a DOS date (>= 1980).
const DefaultEpoch int64 = 946684800 // 2000-01-01T00:00:00Z

// SourceDateEpoch returns parsed value of SOURCE_DATE_EPOCH.
func SourceDateEpoch() (epoch int64, ok bool, err error) {
	epochEnv := os.Getenv("SOURCE_DATE_EPOCH")
	if epochEnv == "" {
		return 0, false, nil
	}

	epoch, err = strconv.ParseInt(epochEnv, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("failed to parse SOURCE_DATE_EPOCH: %w", err)
	}

	return epoch, true, nil
}

// BuildEpoch returns SOURCE_DATE_EPOCH if set, DefaultEpoch otherwise.
func BuildEpoch() (time.Time, error) {
	epoch, ok, err := SourceDateEpoch()
	if err != nil {
		return time.Time{}, err
	}

	if !ok {
		epoch = DefaultEpoch
	}

	return time.Unix(epoch, 0).UTC(), nil
}

// NormalizeTimes sets access and modification time of root and everything below it to ts.
//
// Children are processed before their parents, so that directory timestamps are not bumped
// after they were set.
func NormalizeTimes(root string, ts time.Time) error {
	var paths []string

	if err := filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		paths = append(paths, path)

		return nil
	}); err != nil {
		return fmt.Errorf("error walking %q: %w", root, err)
	}

	slices.Reverse(paths)

	for _, path := range paths {
		if err := os.Chtimes(path, ts, ts); err != nil {
			return fmt.Errorf("error setting timestamps on %q: %w", path, err)
		}
	}

	return nil
}
