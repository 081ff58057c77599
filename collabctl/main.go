package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/storychain/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultDocumentId = "00000000-0000-0000-0000-000000000001"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

The default urls are:
    api_url: http://localhost:8080
    ws_url: ws://localhost:8080/api/ws

Usage:
    collabctl watch [--api_url=<api_url>] [--ws_url=<ws_url>]
        [--document=<document_id>]
        [--name=<name>]
        [--state=<state_path>]
        [--jwt=<jwt>]
    collabctl edit (insert | delete | replace)
        --position=<position>
        [--length=<length>]
        [<content>]
        [--api_url=<api_url>] [--ws_url=<ws_url>]
        [--document=<document_id>]
        [--name=<name>]
        [--state=<state_path>]
        [--jwt=<jwt>]
    collabctl stats [--api_url=<api_url>]
    collabctl client-id [--state=<state_path>] [--jwt=<jwt>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --document=<document_id>   Document to join.
    --name=<name>              Display name.
    --state=<state_path>       Client state db path.
    --jwt=<jwt>                Service-issued session token.
    --position=<position>      Edit position (rune offset).
    --length=<length>          Edit length (delete/replace).`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if stats_, _ := opts.Bool("stats"); stats_ {
		stats(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	}
}

func watch(opts docopt.Opts) {
	session, store := openSession(opts)
	defer store.Close()
	defer session.Close()

	removeStatusCallback := session.Channel().AddStatusCallback(func(state collab.ChannelState) {
		Out.Printf("channel %s\n", state)
	})
	defer removeStatusCallback()

	removeChangeCallback := session.Document().AddChangeCallback(func(change *collab.Change, content string) {
		Out.Printf(
			"%s %s@%d len=%d %q\n",
			change.UserName,
			change.ChangeType,
			change.Position,
			change.Length,
			change.Content,
		)
	})
	defer removeChangeCallback()

	if err := session.Start(); err != nil {
		Err.Fatalf("start: %s", err)
	}
	Out.Printf("document:\n%s\n", session.Document().Content())

	cancelSignal := make(chan os.Signal, 1)
	signal.Notify(cancelSignal, syscall.SIGINT, syscall.SIGTERM)
	<-cancelSignal
}

func edit(opts docopt.Opts) {
	session, store := openSession(opts)
	defer store.Close()
	defer session.Close()

	if err := session.Start(); err != nil {
		Err.Fatalf("start: %s", err)
	}

	changeType := collab.ChangeTypeReplace
	if insert_, _ := opts.Bool("insert"); insert_ {
		changeType = collab.ChangeTypeInsert
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		changeType = collab.ChangeTypeDelete
	}
	position, _ := opts.Int("--position")
	length, _ := opts.Int("--length")
	content, _ := opts.String("<content>")

	newContent, err := session.Edit(changeType, position, length, content)
	if err != nil {
		Err.Fatalf("edit: %s", err)
	}
	Out.Printf("%s\n", newContent)
}

func stats(opts docopt.Opts) {
	api := collab.NewDocumentApi(apiUrl(opts))
	defer api.Close()

	stats, err := api.GetStatsSync()
	if err != nil {
		Err.Fatalf("stats: %s", err)
	}
	Out.Printf("edits=%d users=%d online=%d\n", stats.TotalEdits, stats.UniqueUsers, stats.OnlineCount)
}

func clientId(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	identityStore := collab.NewIdentityStore(store)
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		if err := identityStore.AdoptSessionToken(jwt); err != nil {
			Err.Fatalf("session token: %s", err)
		}
	}
	identity := identityStore.GetOrCreate(userName(opts))
	Out.Printf("%s\n", identity.Id)
}

func openSession(opts docopt.Opts) (*collab.Session, collab.LocalStore) {
	store := openStore(opts)

	documentIdStr, err := opts.String("--document")
	if err != nil || documentIdStr == "" {
		documentIdStr = DefaultDocumentId
	}
	documentId, err := collab.ParseId(documentIdStr)
	if err != nil {
		Err.Fatalf("document id: %s", err)
	}

	session := collab.NewSessionWithDefaults(
		context.Background(),
		apiUrl(opts),
		wsUrl(opts),
		documentId,
		userName(opts),
		store,
	)
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		if err := session.AdoptSessionToken(jwt); err != nil {
			Err.Fatalf("session token: %s", err)
		}
	}
	return session, store
}

func openStore(opts docopt.Opts) collab.LocalStore {
	statePath, err := opts.String("--state")
	if err != nil || statePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			Err.Fatalf("state path: %s", err)
		}
		statePath = filepath.Join(home, ".collabctl", "state.db")
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0700); err != nil {
		Err.Fatalf("state path: %s", err)
	}
	store, err := collab.NewSqliteStore(statePath)
	if err != nil {
		Err.Fatalf("state db: %s", err)
	}
	return store
}

func userName(opts docopt.Opts) string {
	if name, err := opts.String("--name"); err == nil && name != "" {
		return name
	}
	// only prompt on an interactive terminal
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "display name: ")
		reader := bufio.NewReader(os.Stdin)
		if line, err := reader.ReadString('\n'); err == nil {
			if name := strings.TrimSpace(line); name != "" {
				return name
			}
		}
	}
	return "Anonymous"
}

func apiUrl(opts docopt.Opts) string {
	if url, err := opts.String("--api_url"); err == nil && url != "" {
		return url
	}
	return "http://localhost:8080"
}

func wsUrl(opts docopt.Opts) string {
	if url, err := opts.String("--ws_url"); err == nil && url != "" {
		return url
	}
	return "ws://localhost:8080/api/ws"
}
