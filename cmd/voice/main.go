package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/casepruis/app.famly-sub001/internal/capture"
	"github.com/casepruis/app.famly-sub001/internal/config"
	"github.com/casepruis/app.famly-sub001/internal/conversation"
	"github.com/casepruis/app.famly-sub001/internal/organizer"
	"github.com/casepruis/app.famly-sub001/internal/playback"
	"github.com/casepruis/app.famly-sub001/internal/transport"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	modeFlag := flag.String("mode", "always-on", "conversation mode: always-on or push-to-talk")
	flag.Parse()

	var mode conversation.Mode
	switch *modeFlag {
	case "always-on":
		mode = conversation.ModeAlwaysOn
	case "push-to-talk":
		mode = conversation.ModePushToTalk
	default:
		log.Fatalf("unknown mode %q", *modeFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := portaudio.Initialize(); err != nil {
		log.Fatalf("portaudio init: %v", err)
	}
	defer portaudio.Terminate()

	output, err := playback.NewPortAudioOutput(1024)
	if err != nil {
		log.Fatalf("open output device: %v", err)
	}
	defer output.Close()
	queue := playback.NewQueue(output, nil)

	source, err := capture.NewPortAudioSource()
	if err != nil {
		log.Fatalf("open input device: %v", err)
	}
	defer source.Close()

	sess := transport.NewSession(cfg.RealtimeURL)
	pipeline := capture.NewPipeline(source, sess.SendAudioFrame)

	var refresher *organizer.Client
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		refresher, err = organizer.New(cfg.SupabaseURL, cfg.SupabaseAnonKey)
		if err != nil {
			log.Printf("organizer disabled: %v", err)
		}
	}

	convo := conversation.NewSession(sess, queue, pipeline, mode, conversation.Callbacks{
		OnState: func(st conversation.State) {
			fmt.Printf("[state] %s\n", st)
		},
		OnTranscript: func(role, text string) {
			fmt.Printf("[%s] %s\n", role, text)
		},
		OnFunctionCall: func(name string, result *transport.FunctionResult) {
			if result == nil || !result.Success {
				fmt.Printf("[function] %s failed\n", name)
				return
			}
			fmt.Printf("[function] %s succeeded\n", name)
			if refresher == nil {
				return
			}
			snap, err := refresher.Refresh(name)
			if err != nil {
				log.Printf("organizer refresh: %v", err)
				return
			}
			fmt.Printf("[organizer] %d tasks, %d events, %d members\n",
				len(snap.Tasks), len(snap.Events), len(snap.Members))
		},
		OnError: func(msg string) {
			fmt.Printf("[error] %s\n", msg)
		},
	})

	if err := convo.Start(cfg.AuthToken, cfg.Language); err != nil {
		log.Fatalf("start conversation: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if mode == conversation.ModePushToTalk {
		go pushToTalkLoop(convo, pipeline)
	}

	sig := <-sigChan
	log.Printf("shutdown signal received: %v", sig)
	convo.Stop()
}

// pushToTalkLoop brackets utterances on Enter: one press starts the
// microphone, the next stops it and commits the utterance.
func pushToTalkLoop(convo *conversation.Session, pipeline *capture.Pipeline) {
	fmt.Println("push-to-talk: press Enter to start speaking, Enter again to send")
	scanner := bufio.NewScanner(os.Stdin)
	listening := false
	for scanner.Scan() {
		if !listening {
			if err := convo.StartListening(); err != nil {
				fmt.Printf("[error] %v\n", err)
				continue
			}
			listening = true
			fmt.Println("listening... press Enter to send")
			continue
		}
		if !pipeline.RecentlyDetectedVoice(3 * time.Second) {
			fmt.Printf("[mic] little voice energy detected (level %.0f), sending anyway\n", pipeline.Level())
		}
		if err := convo.StopListening(); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
		listening = false
	}
}
