package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"preroll-recorder/service"
)

// Keyboard is the interactive trigger: `s` saves a clip from every camera,
// `q` shuts the recorder down.
type Keyboard struct {
	asm      *service.ClipAssembler
	shutdown context.CancelFunc
	log      zerolog.Logger
}

func NewKeyboard(asm *service.ClipAssembler, shutdown context.CancelFunc, log zerolog.Logger) *Keyboard {
	return &Keyboard{
		asm:      asm,
		shutdown: shutdown,
		log:      log.With().Str("component", "keyboard").Logger(),
	}
}

// Run consumes lines from in until ctx is cancelled or in closes.
func (k *Keyboard) Run(ctx context.Context, in io.Reader) {
	fmt.Println("recorder ready: press 's' + ENTER to save a clip, 'q' + ENTER to quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "s":
				k.saveAll(ctx)
			case "q", "quit", "exit":
				k.log.Info().Msg("shutdown requested via keyboard")
				k.shutdown()
				return
			}
		}
	}
}

func (k *Keyboard) saveAll(ctx context.Context) {
	triggerTime := time.Now().UTC()
	k.log.Info().Time("trigger_time", triggerTime).Msg("clip trigger received")

	outcomes := k.asm.GenerateAll(ctx, 0, triggerTime)
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Printf("%s: failed: %v\n", o.CameraID, o.Err)
			continue
		}
		fmt.Printf("%s: saved %s\n", o.CameraID, o.Result.Path)
	}
}
