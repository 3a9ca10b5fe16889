package avfs

import (
	"bytes"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Just for testing purposes to mock the actual umount binary.
var umountMock = execUmount

func unmount(dir string) error {
	err := unix.Unmount(dir, 0)
	if err == nil {
		return nil
	}

	// Unprivileged users may still be allowed to unmount through fstab.
	if err == unix.EPERM {
		return umountMock(dir)
	}

	return fmt.Errorf("umount2(%s): %w", dir, err)
}

func execUmount(dir string) error {
	cmd := exec.Command("umount", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			output = bytes.TrimRight(output, "\n")
			return fmt.Errorf("%v: %s", err, output)
		}

		return err
	}
	return nil
}
