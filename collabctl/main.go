package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/Primus-Izzy/baserow-sub002/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collaboration control.

Usage:
    collabctl watch --connect_url=<connect_url> --jwt=<jwt>
        --table=<table_id> --view=<view_id>
    collabctl acquire-lock --connect_url=<connect_url> --jwt=<jwt>
        --table=<table_id> --view=<view_id>
        --row=<row_id> --field=<field_id>
        [--hold=<hold_seconds>]
    collabctl comment --api_url=<api_url> --jwt=<jwt>
        --table=<table_id> --row=<row_id>
        [--parent=<parent_id>]
        <content>
    collabctl activity --api_url=<api_url> --jwt=<jwt>
        --table=<table_id> --row=<row_id>
        [--page=<page>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --connect_url=<connect_url>  Realtime endpoint url (ws or wss).
    --api_url=<api_url>        Http api url.
    --jwt=<jwt>                Your platform JWT.
    --table=<table_id>
    --view=<view_id>
    --row=<row_id>
    --field=<field_id>
    --parent=<parent_id>       Parent comment id for a reply.
    --hold=<hold_seconds>      Hold the lock this long then release. [default: 10]
    --page=<page>              Fetch activity pages through this page. [default: 0]`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if acquireLock_, _ := opts.Bool("acquire-lock"); acquireLock_ {
		acquireLock(opts)
	} else if comment_, _ := opts.Bool("comment"); comment_ {
		comment(opts)
	} else if activity_, _ := opts.Bool("activity"); activity_ {
		activity(opts)
	}
}

func newClient(opts docopt.Opts) *collab.Client {
	connectUrl, _ := opts.String("--connect_url")
	apiUrl, _ := opts.String("--api_url")
	jwt, _ := opts.String("--jwt")

	client, err := collab.NewClientWithDefaults(
		context.Background(),
		connectUrl,
		apiUrl,
		&collab.ClientAuth{
			ByJwt:      jwt,
			AppVersion: CollabCtlVersion,
		},
	)
	if err != nil {
		Err.Fatalf("client error = %s", err)
	}
	return client
}

func watch(opts docopt.Opts) {
	tableId := optInt64(opts, "--table")
	viewId := optInt64(opts, "--view")
	topic := collab.TableTopic(tableId, viewId)

	client := newClient(opts)
	defer client.Close()

	subscription := client.Subscribe(topic, func(message any) {
		switch v := message.(type) {
		case *collab.PresenceUpdated:
			Out.Printf("presence %s %s", v.User.ActorId, v.User.DisplayName)
		case *collab.TypingIndicator:
			Out.Printf("typing %s row=%d field=%s typing=%t", v.ActorId, v.RowId, v.FieldId, v.Typing)
		case *collab.CursorUpdated:
			Out.Printf("cursor %s row=%d field=%s", v.ActorId, v.Cursor.RowId, v.Cursor.FieldId)
		case *collab.CommentCreated:
			Out.Printf("comment %s: %s", v.Comment.AuthorId, v.Comment.Content)
		case *collab.ActivityLogged:
			Out.Printf("activity %s %s", v.Entry.ActorId, v.Entry.Action)
		}
	})
	defer subscription.Close()

	client.Locks().AddChangeCallback(func(key collab.LockKey, lock *collab.EditLock) {
		if lock == nil {
			Out.Printf("lock %s released", key)
		} else {
			Out.Printf("lock %s held by %s", key, lock.HolderActorId)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connection().Connect(ctx); err != nil {
		Err.Fatalf("connect error = %s", err)
	}
	Out.Printf("watching %s", topic)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
}

func acquireLock(opts docopt.Opts) {
	tableId := optInt64(opts, "--table")
	viewId := optInt64(opts, "--view")
	rowId := optInt64(opts, "--row")
	fieldId, _ := opts.String("--field")
	holdSeconds, _ := opts.Int("--hold")

	client := newClient(opts)
	defer client.Close()

	subscription := client.Subscribe(collab.TableTopic(tableId, viewId), func(message any) {})
	defer subscription.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connection().Connect(ctx); err != nil {
		Err.Fatalf("connect error = %s", err)
	}

	key := collab.LockKey{
		TableId: tableId,
		RowId:   rowId,
		FieldId: fieldId,
	}
	granted, err := client.Locks().Acquire(context.Background(), key)
	if err != nil {
		Err.Fatalf("acquire error = %s", err)
	}
	if !granted {
		if lock, ok := client.Locks().Holder(key); ok {
			Out.Printf("denied: held by %s", lock.HolderActorId)
		} else {
			Out.Printf("denied")
		}
		os.Exit(1)
	}

	Out.Printf("acquired %s, holding %ds", key, holdSeconds)
	time.Sleep(time.Duration(holdSeconds) * time.Second)
	client.Locks().Release(key)
	Out.Printf("released %s", key)
}

func comment(opts docopt.Opts) {
	tableId := optInt64(opts, "--table")
	rowId := optInt64(opts, "--row")
	content, _ := opts.String("<content>")

	var parentId *collab.Id
	if parentStr, err := opts.String("--parent"); err == nil && parentStr != "" {
		parent, err := collab.ParseId(parentStr)
		if err != nil {
			Err.Fatalf("parent id error = %s", err)
		}
		parentId = &parent
	}

	client := newClient(opts)
	defer client.Close()

	created, err := client.Comments().CreateComment(tableId, rowId, content, parentId)
	if err != nil {
		Err.Fatalf("comment error = %s", err)
	}
	Out.Printf("%s", created.Id)
}

func activity(opts docopt.Opts) {
	tableId := optInt64(opts, "--table")
	rowId := optInt64(opts, "--row")
	page, _ := opts.Int("--page")

	client := newClient(opts)
	defer client.Close()

	hasMore := false
	for i := 0; i <= page; i += 1 {
		var err error
		hasMore, err = client.Comments().LoadMoreActivity(tableId, rowId)
		if err != nil {
			Err.Fatalf("activity error = %s", err)
		}
		if !hasMore {
			break
		}
	}
	for _, entry := range client.Comments().Activity(collab.RowTopic(tableId, rowId)) {
		Out.Printf("%s %s %s %s", entry.CreatedAt.Format(time.RFC3339), entry.ActorId, entry.Action, entry.Detail)
	}
	if hasMore {
		Out.Printf("(more)")
	}
}

func optInt64(opts docopt.Opts, key string) int64 {
	value, err := opts.Int(key)
	if err != nil {
		Err.Fatalf("%s error = %s", key, err)
	}
	return int64(value)
}
