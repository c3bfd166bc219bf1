// sottoctl drives a running session's admin surface: listener grants,
// transcript sharing, and replay requests, against whisperctl or
// listenctl by role.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sotto-dev/sotto/internal/listen"
	"github.com/sotto-dev/sotto/internal/logging"
	"github.com/sotto-dev/sotto/internal/whisper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sottoctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("sottoctl", flag.ExitOnError)
	s := registerFlags(fs)
	fs.Usage = func() { printUsage(fs) }
	_ = fs.Parse(os.Args[1:])

	logging.ConfigureRuntime("sottoctl")

	args := fs.Args()
	if len(args) == 0 {
		printUsage(fs)
		return fmt.Errorf("missing action")
	}

	cfg, err := loadTargets(s.configPath)
	if err != nil {
		return err
	}
	addr, role, err := resolveTarget(cfg, s)
	if err != nil {
		return err
	}

	client := newAdminClient(addr, s.timeout)
	action := strings.ToLower(strings.TrimSpace(args[0]))
	if role == "listen" {
		return listenAction(client, action, args[1:])
	}
	return whisperAction(client, action, args[1:])
}

func whisperAction(c *adminClient, action string, args []string) error {
	switch action {
	case "health":
		return printHealth(c)
	case "status":
		st, err := c.whisperStatus()
		if err != nil {
			return err
		}
		printWhisperStatus(st)
		return nil
	case "listeners":
		st, err := c.whisperStatus()
		if err != nil {
			return err
		}
		printListeners(st.Listeners)
		return nil
	case "grant":
		if len(args) < 1 {
			return fmt.Errorf("usage: grant <profile> [username]")
		}
		username := ""
		if len(args) > 1 {
			username = args[1]
		}
		if err := c.grant(args[0], username); err != nil {
			return err
		}
		fmt.Printf("granted %s\n", args[0])
		return nil
	case "revoke":
		if len(args) < 1 {
			return fmt.Errorf("usage: revoke <profile>")
		}
		if err := c.revoke(args[0]); err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", args[0])
		return nil
	case "share":
		id, err := c.shareTranscript()
		if err != nil {
			return err
		}
		fmt.Printf("shared transcript %s\n", id)
		return nil
	case "transcripts":
		ids, err := c.transcripts()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no transcripts")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	case "transcript":
		if len(args) < 1 {
			return fmt.Errorf("usage: transcript <id>")
		}
		lines, err := c.transcript(args[0])
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	case "rm-transcript":
		if len(args) < 1 {
			return fmt.Errorf("usage: rm-transcript <id>")
		}
		if err := c.removeTranscript(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	default:
		return fmt.Errorf("unknown whisper action %q", action)
	}
}

func listenAction(c *adminClient, action string, args []string) error {
	switch action {
	case "health":
		return printHealth(c)
	case "status":
		st, err := c.listenStatus()
		if err != nil {
			return err
		}
		printListenStatus(st)
		return nil
	case "replay":
		if err := c.replay(); err != nil {
			return err
		}
		fmt.Println("replay requested")
		return nil
	case "catchup":
		if err := c.catchUp(); err != nil {
			return err
		}
		fmt.Println("catch-up requested")
		return nil
	case "leave":
		if err := c.leave(); err != nil {
			return err
		}
		fmt.Println("left the session")
		return nil
	default:
		return fmt.Errorf("unknown listen action %q", action)
	}
}

func printHealth(c *adminClient) error {
	body, err := c.health()
	if err != nil {
		return err
	}
	fmt.Printf("%v %v (version %v)\n", body["component"], body["status"], body["version"])
	return nil
}

func printWhisperStatus(st whisper.Status) {
	fmt.Printf("conversation   %s (%s)\n", st.ConversationName, st.Conversation)
	fmt.Printf("running        %v\n", st.Running)
	if st.Uptime != "" {
		fmt.Printf("uptime         %s\n", st.Uptime)
	}
	fmt.Printf("transport      %s\n", st.Transport)
	fmt.Printf("live           %q\n", st.Live)
	fmt.Printf("history lines  %d\n", st.HistoryLines)
	printListeners(st.Listeners)
}

func printListeners(listeners []whisper.ListenerStatus) {
	if len(listeners) == 0 {
		fmt.Println("listeners      none")
		return
	}
	fmt.Printf("listeners      %d\n", len(listeners))
	for _, l := range listeners {
		state := "pending"
		switch {
		case l.Authorized && l.Joined:
			state = "live"
		case l.Authorized:
			state = "authorized"
		}
		fmt.Printf("  %-20s %-7s %-10s profile=%s remote=%s\n", l.Username, l.Kind, state, l.ProfileID, l.ID)
	}
}

func printListenStatus(st listen.Status) {
	fmt.Printf("conversation   %s (%s)\n", st.ConversationName, st.Conversation)
	fmt.Printf("running        %v\n", st.Running)
	if st.Uptime != "" {
		fmt.Printf("uptime         %s\n", st.Uptime)
	}
	fmt.Printf("transport      %s\n", st.Transport)
	if st.Whisperer == nil {
		fmt.Println("whisperer      none (discovering)")
	} else {
		w := st.Whisperer
		state := "pending"
		switch {
		case w.Denied:
			state = "denied"
		case w.Authorized && w.Joined:
			state = "live"
		case w.Joined:
			state = "joined"
		case w.Authorized:
			state = "authorized"
		}
		fmt.Printf("whisperer      %s (%s) %s remote=%s\n", w.Username, w.Kind, state, w.ID)
	}
	fmt.Printf("live           %q\n", st.Live)
	fmt.Printf("history lines  %d\n", st.HistoryLines)
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: sottoctl [flags] <action> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "whisper actions:")
	fmt.Fprintln(out, "  status                      session snapshot")
	fmt.Fprintln(out, "  listeners                   connected listeners")
	fmt.Fprintln(out, "  grant <profile> [username]  allow a listener profile")
	fmt.Fprintln(out, "  revoke <profile>            remove a profile and end its sessions")
	fmt.Fprintln(out, "  share                       archive the transcript and announce its id")
	fmt.Fprintln(out, "  transcripts                 stored transcript ids")
	fmt.Fprintln(out, "  transcript <id>             print one stored transcript")
	fmt.Fprintln(out, "  rm-transcript <id>          delete one stored transcript")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "listen actions:")
	fmt.Fprintln(out, "  status                      session snapshot")
	fmt.Fprintln(out, "  replay                      ask the whisperer to replay history")
	fmt.Fprintln(out, "  catchup                     ask for the live line again")
	fmt.Fprintln(out, "  leave                       detach from the whisperer")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "common actions:")
	fmt.Fprintln(out, "  health                      admin surface health")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "flags:")
	fs.PrintDefaults()
}
