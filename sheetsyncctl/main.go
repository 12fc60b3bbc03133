package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/Raniani-lab/enterpriise-sub009/sheetsync"
)

const SheetSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sheet sync control.

Usage:
    sheetsyncctl client-id --jwt=<jwt>
    sheetsyncctl fields --api_url=<api_url> --model=<model> [--jwt=<jwt>]
    sheetsyncctl tail --relay_url=<relay_url> --document_id=<document_id>
        [--jwt=<jwt>]
    sheetsyncctl set-cell --relay_url=<relay_url> --document_id=<document_id>
        --sheet=<sheet> --row=<row> --col=<col>
        [--jwt=<jwt>]
        [<content>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --api_url=<api_url>          Record api base url.
    --relay_url=<relay_url>      Relay websocket url.
    --document_id=<document_id>  Document to join.
    --model=<model>              Record model name.
    --sheet=<sheet>              Sheet name.
    --row=<row>                  Zero based row.
    --col=<col>                  Zero based column.
    --jwt=<jwt>                  Your platform JWT. Prompted when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SheetSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if fields_, _ := opts.Bool("fields"); fields_ {
		fields(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if setCell_, _ := opts.Bool("set-cell"); setCell_ {
		setCell(opts)
	}
}

func requireJwt(opts docopt.Opts) string {
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		return jwt
	}
	fmt.Print("Enter JWT: ")
	jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(jwtBytes)
}

// print the identity claims baked into the jwt
func clientId(opts docopt.Opts) {
	jwt := requireJwt(opts)

	byJwt, err := sheetsync.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid JWT (%s).", err)
	}

	Out.Printf("user_id: %s", byJwt.UserId)
	if byJwt.UserName != "" {
		Out.Printf("user_name: %s", byJwt.UserName)
	}
	Out.Printf("client_id: %s", byJwt.ClientId)
	if (byJwt.DocumentId != sheetsync.Id{}) {
		Out.Printf("document_id: %s", byJwt.DocumentId)
	}
}

// list the fields of a record model
func fields(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	model, _ := opts.String("--model")
	jwt := requireJwt(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := sheetsync.NewRecordApiWithContext(cancelCtx, apiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	queryCtx, queryCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer queryCancel()
	modelFields, err := api.ModelFields(queryCtx, model)
	if err != nil {
		Err.Fatalf("Query error (%s).", err)
	}

	for name, field := range modelFields {
		Out.Printf("%s: %s (%s)", name, field.Label, field.Type)
	}
}

// join a document and print committed revisions as they arrive
func tail(opts docopt.Opts) {
	relayUrl, _ := opts.String("--relay_url")
	documentIdStr, _ := opts.String("--document_id")
	jwt := requireJwt(opts)

	documentId, err := sheetsync.ParseId(documentIdStr)
	if err != nil {
		Err.Fatalf("Invalid document_id (%s).", err)
	}

	byJwt, err := sheetsync.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid JWT (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &sheetsync.RelayAuth{
		ByJwt:      jwt,
		ClientId:   byJwt.ClientId,
		AppVersion: fmt.Sprintf("sheetsyncctl %s", SheetSyncCtlVersion),
	}
	transport := sheetsync.NewWsRelayTransportWithDefaults(cancelCtx, relayUrl, auth)
	defer transport.Close()

	document := sheetsync.NewDocument()
	session := sheetsync.NewSessionWithDefaults(
		cancelCtx,
		byJwt.ClientId,
		document,
		transport,
	)
	defer session.Close()

	removeCallback := transport.AddRemoteRevisionCallback(func(revision *sheetsync.Revision) {
		revisionBytes, err := json.Marshal(revision)
		if err != nil {
			return
		}
		Out.Printf("%s", revisionBytes)
	})
	defer removeCallback()

	joinCtx, joinCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	err = session.Join(joinCtx, documentId)
	joinCancel()
	if err != nil {
		Err.Fatalf("Join error (%s).", err)
	}
	Out.Printf("joined %s", documentId)

	select {
	case <-cancelCtx.Done():
	}
}

// send a single cell edit through the relay
func setCell(opts docopt.Opts) {
	relayUrl, _ := opts.String("--relay_url")
	documentIdStr, _ := opts.String("--document_id")
	sheet, _ := opts.String("--sheet")
	row, _ := opts.Int("--row")
	col, _ := opts.Int("--col")
	content, _ := opts.String("<content>")
	jwt := requireJwt(opts)

	documentId, err := sheetsync.ParseId(documentIdStr)
	if err != nil {
		Err.Fatalf("Invalid document_id (%s).", err)
	}

	byJwt, err := sheetsync.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid JWT (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &sheetsync.RelayAuth{
		ByJwt:      jwt,
		ClientId:   byJwt.ClientId,
		AppVersion: fmt.Sprintf("sheetsyncctl %s", SheetSyncCtlVersion),
	}
	transport := sheetsync.NewWsRelayTransportWithDefaults(cancelCtx, relayUrl, auth)
	defer transport.Close()

	document := sheetsync.NewDocument()
	session := sheetsync.NewSessionWithDefaults(
		cancelCtx,
		byJwt.ClientId,
		document,
		transport,
	)
	defer session.Close()

	joinCtx, joinCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	err = session.Join(joinCtx, documentId)
	joinCancel()
	if err != nil {
		Err.Fatalf("Join error (%s).", err)
	}

	position := sheetsync.CellPosition{
		Sheet: sheet,
		Row:   row,
		Col:   col,
	}
	var command *sheetsync.Command
	if content == "" {
		command = sheetsync.ClearCellCommand(position)
	} else {
		command = sheetsync.SetCellCommand(position, content)
	}

	if err := session.SendRevision([]*sheetsync.Command{command}); err != nil {
		Err.Fatalf("Revision not acked (%s).", err)
	}
	Out.Printf("Revision acked.")
}
