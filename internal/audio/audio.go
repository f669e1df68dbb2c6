// Package audio is the capture side channel: a subprocess byte pump with
// no session semantics. Chunks are handed to the caller base64-encoded;
// start/stop is per client connection.
package audio

import (
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
)

const chunkSize = 16 * 1024

// Streamer pumps one capture subprocess per Start call.
type Streamer struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
}

func NewStreamer() *Streamer {
	return &Streamer{}
}

// Start launches the capture subprocess and invokes emit for every chunk
// until Stop is called or the process exits. emit receives base64 data;
// done is called once with the terminal error, or nil on a clean stop.
func (s *Streamer) Start(emit func(data string), done func(err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("audio capture already running")
	}

	cmd := exec.Command("ffmpeg",
		"-f", "pulse", "-i", "default",
		"-f", "mp3", "-b:a", "128k",
		"-loglevel", "quiet",
		"pipe:1")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("audio pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start audio capture: %w", err)
	}
	s.cmd = cmd
	s.running = true

	go func() {
		buf := make([]byte, chunkSize)
		var pumpErr error
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				emit(base64.StdEncoding.EncodeToString(buf[:n]))
			}
			if err != nil {
				if err != io.EOF {
					pumpErr = err
				}
				break
			}
		}
		cmd.Wait()

		s.mu.Lock()
		wasRunning := s.running
		s.running = false
		s.cmd = nil
		s.mu.Unlock()

		if wasRunning && pumpErr != nil {
			log.Printf("audio: capture ended: %v", pumpErr)
		}
		done(pumpErr)
	}()
	return nil
}

// Stop terminates the capture subprocess. Safe to call when idle.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cmd == nil {
		return
	}
	s.running = false
	if s.cmd.Process != nil {
		s.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// Streaming reports whether a capture subprocess is active.
func (s *Streamer) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
