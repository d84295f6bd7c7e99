// Command walkietalkie runs one peer-to-peer conferencing node: it
// captures from a local PCM device, gossips encoded audio chunks to
// every other node broadcasting on the same UDP port, and mixes what it
// hears back out to the same device.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/Ediacarium/walkie-talkie-pi/internal/config"
	"github.com/Ediacarium/walkie-talkie-pi/internal/identity"
	"github.com/Ediacarium/walkie-talkie-pi/internal/node"
)

func main() {
	var (
		ringBufferSize = pflag.IntP("ring-buffer-size", "b", 140000, "Per-source ring capacity in samples")
		readBucketSize = pflag.IntP("read-bucket-size", "r", 10000, "Playback read chunk in samples")
		writeBucket    = pflag.IntP("write-bucket-size", "w", 1400, "Capture write chunk in samples")
		spareSize      = pflag.IntP("spare-size", "s", 28000, "Jitter reserve in samples")
		delayMS        = pflag.IntP("delay", "d", 1000, "Startup delay in ms before enabling playback")
		audioDevice    = pflag.StringP("audio-device", "a", "default", "PCM device name")

		codecName   = pflag.String("codec", "pcm", "Wire encoding for outgoing payloads: pcm or opus")
		metricsAddr = pflag.String("metrics-addr", "", "If set, address to serve /metrics on (e.g. :9090)")
		port        = pflag.Uint16("port", 1337, "UDP port for the gossip layer")

		idleThresholdMS = pflag.Int("idle-threshold", 5000, "Milliseconds of silence before a source is considered idle")
		volume          = pflag.Float64("volume", -1, "Output gain (1.0 = unity); defaults to the persisted value")
		help            = pflag.BoolP("help", "h", false, "Print usage")
	)
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	prefs := config.Load()
	if *volume >= 0 {
		prefs.Volume = *volume
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("walkietalkie: initialize PortAudio: %v", err)
	}
	defer portaudio.Terminate()

	inputID, outputID, err := resolveDeviceName(*audioDevice, prefs)
	if err != nil {
		log.Fatalf("walkietalkie: %v", err)
	}

	ownAddr, err := identity.New()
	if err != nil {
		log.Fatalf("walkietalkie: generate node identity: %v", err)
	}

	n, err := node.New(node.Params{
		Port:           *port,
		OwnAddr:        ownAddr,
		RingBufferLen:  *ringBufferSize,
		SpareLen:       uint64(*spareSize),
		IdleThreshold:  time.Duration(*idleThresholdMS) * time.Millisecond,
		ReadBucketLen:  *readBucketSize,
		WriteBucketLen: *writeBucket,
		PlaybackDelay:  time.Duration(*delayMS) * time.Millisecond,
		InputDeviceID:  inputID,
		OutputDeviceID: outputID,
		Volume:         prefs.Volume,
		Codec:          *codecName,
		MetricsAddr:    *metricsAddr,
		RateLimit:      rate.Limit(100),
		RateBurst:      20,
	})
	if err != nil {
		log.Fatalf("walkietalkie: %v", err)
	}

	if err := n.Start(); err != nil {
		log.Fatalf("walkietalkie: start audio: %v", err)
	}

	log.Printf("walkietalkie: node %d listening on :%d", ownAddr, *port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Print("walkietalkie: shutting down")
	n.Stop()

	prefs.InputDeviceID = inputID
	prefs.OutputDeviceID = outputID
	if err := config.Save(prefs); err != nil {
		log.Printf("walkietalkie: save config: %v", err)
	}
}

// resolveDeviceName turns --audio-device's name into the (input, output)
// device indices the audio engine expects. "default" keeps whatever the
// persisted config had (itself -1, the host default, until a prior run
// resolved and saved a concrete index). Any other name is matched
// against the enumerated device list by exact name, applied to both
// capture and playback.
func resolveDeviceName(name string, prefs config.Config) (input, output int, err error) {
	if name == "" || name == "default" {
		return prefs.InputDeviceID, prefs.OutputDeviceID, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return 0, 0, fmt.Errorf("enumerate audio devices: %w", err)
	}
	for i, d := range devices {
		if d.Name == name {
			return i, i, nil
		}
	}
	return 0, 0, fmt.Errorf("no audio device named %q", name)
}
