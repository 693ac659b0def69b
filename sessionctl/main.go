package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/sanity-io/litter"
	"golang.org/x/term"

	"github.com/coedit/coedit/session"
)

const SessionCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Session control.

Usage:
    sessionctl token --address=<address> --session_id=<session_id> [--ttl=<ttl>]
    sessionctl simulate [--partial]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --address=<address>        Fully qualified participant address, e.g. alice@example.com/editor.
    --session_id=<session_id>  Session id the token is valid for.
    --ttl=<ttl>                Token lifetime [default: 24h].
    --partial                  Share the simulated reference point partially.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SessionCtlVersion)
	if err != nil {
		panic(err)
	}

	if token, _ := opts.Bool("token"); token {
		tokenCmd(opts)
	} else if simulate, _ := opts.Bool("simulate"); simulate {
		simulateCmd(opts)
	}
}

func tokenCmd(opts docopt.Opts) {
	address, _ := opts.String("--address")
	sessionIdStr, _ := opts.String("--session_id")
	ttlStr, _ := opts.String("--ttl")

	sessionId, err := session.ParseId(sessionIdStr)
	if err != nil {
		Err.Fatalf("Bad session id: %s", err)
	}
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Fatalf("Bad ttl: %s", err)
	}

	fmt.Fprint(os.Stderr, "Signing secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read secret: %s", err)
	}

	auth := session.NewSessionAuth(secret)
	token, err := auth.IssueJoinToken(address, sessionId, ttl)
	if err != nil {
		Err.Fatalf("Could not issue token: %s", err)
	}
	Out.Printf("%s", token)
}

// runs one host session fully in memory: a remote editor joins, edits arrive
// while the reference point is still queuing, queuing ends, and the queue is
// drained with an activation injected before the buffered edits
func simulateCmd(opts docopt.Opts) {
	partial, _ := opts.Bool("--partial")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host := session.NewUser("host@example.com/editor", true, true, session.PermissionWriteAccess)

	transmitter := &loopTransmitter{}
	handler := &loopHandler{}
	s := session.NewSessionWithDefaults(cancelCtx, host, handler, transmitter, &noStopCoordinator{})
	transmitter.session = s
	handler.session = s

	recorder := &recordingConsumer{}
	s.AddActivityConsumer(recorder, session.ConsumerPassive)

	s.Start()
	defer s.Stop()

	point := session.NewMemReferencePoint("demo")
	point.AddFolder("/src")
	point.AddFile("/src/main.go")
	if err := s.ShareReferencePoint(session.NewId(), point, partial); err != nil {
		Err.Fatalf("Could not share reference point: %s", err)
	}
	if partial {
		s.AddSharedResources(point, []string{"/src", "/src/main.go"})
	}

	guest := session.NewUser("guest@example.com/editor", false, false, session.PermissionReadOnly)
	if err := s.AddUser(guest, nil); err != nil {
		Err.Fatalf("Could not add guest: %s", err)
	}
	s.UserStartedQueuing(guest)

	path := session.NewResourcePath(point, "/src/main.go")
	queuer := s.Queuer()
	queuer.EnableQueuing(point)
	s.Exec([]session.Activity{
		session.NewTextEditActivity(guest, path, 0, "package main\n", ""),
		session.NewTextEditActivity(guest, path, 13, "\nfunc main() {}\n", ""),
	})
	Out.Printf("while queuing, %d activities executed", len(recorder.activities))

	queuer.DisableQueuing(point)
	s.Exec([]session.Activity{})
	s.UserFinishedNegotiation(guest)

	Out.Printf("after flush:")
	for i, activity := range recorder.activities {
		Out.Printf("  %d: %s", i, activity)
	}

	Out.Printf("membership: %s", litter.Sdump(s.ReferencePointMap().ReferencePointResourceMapping()))
	Out.Printf("users: %s", litter.Sdump(userAddresses(s.Users())))
}

func userAddresses(users []*session.User) []string {
	addresses := []string{}
	for _, user := range users {
		addresses = append(addresses, user.Address())
	}
	return addresses
}

// in-memory collaborators for the simulation

type loopHandler struct {
	session *session.Session
}

func (self *loopHandler) HandleOutgoingActivities(activities []session.Activity) {
	for _, activity := range activities {
		self.session.Send(self.session.Users(), activity)
	}
}

func (self *loopHandler) HandleIncomingActivities(activities []session.Activity) {
	self.session.Exec(activities)
}

type loopTransmitter struct {
	session *session.Session
}

func (self *loopTransmitter) RegisterUser(user *session.User) {}

func (self *loopTransmitter) UnregisterUser(user *session.User) {}

func (self *loopTransmitter) CloseConnection(user *session.User) {}

func (self *loopTransmitter) Send(recipients []*session.User, activity session.Activity) error {
	for _, recipient := range recipients {
		if recipient.IsLocal() {
			self.session.Exec([]session.Activity{activity})
		}
	}
	return nil
}

func (self *loopTransmitter) SendUserList(ctx context.Context, recipient *session.User, users []*session.User) error {
	return nil
}

type noStopCoordinator struct{}

func (self *noStopCoordinator) RequestStop(ctx context.Context, user *session.User, reason string) (session.StopHandle, error) {
	return &noStopHandle{}, nil
}

type noStopHandle struct{}

func (self *noStopHandle) Resume() bool {
	return true
}

type recordingConsumer struct {
	activities []session.Activity
}

func (self *recordingConsumer) Exec(activity session.Activity) {
	self.activities = append(self.activities, activity)
}
