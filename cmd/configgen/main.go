package main

import (
	"flag"
	"log"

	"github.com/sotto-dev/sotto/internal/config"
)

func main() {
	kind := flag.String("kind", "whisper", "config kind: whisper|listen")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			switch *kind {
			case "whisper":
				path = "cmd/whisperctl/config.toml"
			case "listen":
				path = "cmd/listenctl/config.toml"
			default:
				log.Fatalf("unknown kind: %s", *kind)
			}
		}

		switch *kind {
		case "whisper":
			if _, err := config.LoadWhisperConfig(path); err != nil {
				log.Fatal(err)
			}
		case "listen":
			if _, err := config.LoadListenConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "whisper":
			target = "cmd/whisperctl/config.toml"
		case "listen":
			target = "cmd/listenctl/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
