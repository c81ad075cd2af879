//go:build !unix

package inference

import "os/exec"

func startInOwnGroup(*exec.Cmd) {}

func killGroup(*exec.Cmd) error { return nil }
