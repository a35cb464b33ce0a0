// Package daemonize implements dcld's daemonisation mode: detach from the
// controlling terminal, guard against a
// second instance with a PID-file flock, redirect the standard streams,
// and run a graceful-shutdown signal loop.
package daemonize

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// reexecEnvVar marks a process as already having gone through Daemonize,
// so the re-exec below only happens once.
const reexecEnvVar = "DCL_DAEMONIZED"

// Daemonize detaches the current process from its controlling terminal.
// A true double-fork (fork, setsid, fork again) duplicates every OS thread
// in the calling process, which is unsafe once the Go runtime has started
// scheduler and GC threads; the idiomatic Go substitute achieves the same
// observable effect — the process is reparented to init and has no
// controlling terminal — by re-executing itself once with Setsid in a new
// session, then exiting the original parent.
//
// On success the function does not return in the parent (it calls
// os.Exit(0)); it returns nil in the re-executed child.
func Daemonize() error {
	if os.Getenv(reexecEnvVar) == "1" {
		return redirectStandardStreams()
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Dir = "/"

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemonize: re-exec: %w", err)
	}
	os.Exit(0)
	return nil // unreachable
}

func redirectStandardStreams() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemonize: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	for _, fd := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if err := unix.Dup2(int(devNull.Fd()), int(fd.Fd())); err != nil {
			return fmt.Errorf("daemonize: redirect fd %d: %w", fd.Fd(), err)
		}
	}
	return nil
}

// PIDFile holds an exclusive lock on a PID file for the process lifetime,
// preventing a second dcld instance from starting against the same
// working directory.
type PIDFile struct {
	f *os.File
}

// AcquirePIDFile opens (creating if necessary) the PID file at path and
// takes a non-blocking exclusive flock on it, writing the current PID.
// It returns an error if another instance already holds the lock.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("daemonize: open pid file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("daemonize: another instance holds %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(fmt.Sprintf("%d\n", os.Getpid())); err != nil {
		f.Close()
		return nil, err
	}

	return &PIDFile{f: f}, nil
}

// Release drops the flock and closes the PID file.
func (p *PIDFile) Release() error {
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	return p.f.Close()
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then calls
// shutdown and returns. SIGHUP is explicitly ignored, rather
// than left at its default terminate-the-process behaviour.
func WaitForShutdown(shutdown func()) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig == syscall.SIGHUP {
			continue
		}
		shutdown()
		return
	}
}
