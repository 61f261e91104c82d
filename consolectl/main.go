package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/iOSAS-CdM/administrative-staff-sub000/client"
)

const ConsoleCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Administrative console control.

The default url is:
    api_url: https://api.iosas.online/api

The access token comes from sign-in, or from the
CONSOLE_ACCESS_TOKEN environment variable when --access_token
is not given.

Usage:
    consolectl sign-in [--api_url=<api_url>] --email=<email> [--password=<password>]
    consolectl profile [--api_url=<api_url>] [--access_token=<access_token>]
    consolectl list <resource> [--api_url=<api_url>] [--access_token=<access_token>]
        [--page=<page>]
        [--page_size=<page_size>]
    consolectl watch [--api_url=<api_url>] [--access_token=<access_token>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --api_url=<api_url>
    --email=<email>
    --password=<password>          Prompted for when not given.
    --access_token=<access_token>
    --page=<page>                  Zero-based page [default: 0].
    --page_size=<page_size>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ConsoleCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog reads its flags from the command line
	flag.CommandLine.Parse([]string{})

	if signIn_, _ := opts.Bool("sign-in"); signIn_ {
		signIn(opts)
	} else if profile_, _ := opts.Bool("profile"); profile_ {
		profile(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "https://api.iosas.online/api"
}

func newApi(opts docopt.Opts) *client.Api {
	api := client.NewApi(apiUrl(opts))

	accessToken, err := opts.String("--access_token")
	if err != nil || accessToken == "" {
		accessToken = os.Getenv("CONSOLE_ACCESS_TOKEN")
	}
	if accessToken != "" {
		if _, err := api.SetAccessToken(accessToken); err != nil {
			Err.Fatalf("Invalid access token (%s).", err)
		}
	}
	return api
}

// sign in and print the access token for use in later calls
func signIn(opts docopt.Opts) {
	email, _ := opts.String("--email")

	password, err := opts.String("--password")
	if err != nil || password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("Could not read password (%s).", err)
		}
		password = string(passwordBytes)
	}

	api := client.NewApi(apiUrl(opts))
	defer api.Close()

	result, err := api.SignInWithPasswordSync(&client.SignInWithPasswordArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("Sign in failed (%s).", err)
	}
	if result.Error != nil {
		Err.Fatalf("Sign in failed (%s).", result.Error.Message)
	}

	Out.Printf("%s", result.AccessToken)
}

func profile(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	staff, err := api.GetProfileSync()
	if err != nil {
		Err.Fatalf("Could not load profile (%s).", err)
	}

	Out.Printf("%s  %s  %s  %s", staff.Id, staff.Role, staff.Name, staff.Email)
}

var listKeys = map[string]client.Key{
	"students":      client.KeyStudents,
	"records":       client.KeyRecords,
	"organizations": client.KeyOrganizations,
	"announcements": client.KeyAnnouncements,
	"events":        client.KeyEvents,
	"peers":         client.KeyPeers,
}

// list one page of a resource
func list(opts docopt.Opts) {
	resource, _ := opts.String("<resource>")
	key, ok := listKeys[resource]
	if !ok {
		Err.Fatalf("Unknown resource %q.", resource)
	}

	page, _ := opts.Int("--page")
	pageSize, err := opts.Int("--page_size")
	if err != nil {
		pageSize = client.DefaultPageSize
	}

	api := newApi(opts)
	defer api.Close()

	settings := &client.FetcherSettings{
		PageSize: pageSize,
		CacheKey: key,
	}
	if resource == "records" {
		settings.Transform = client.EnvelopeTransform[*client.Record]("records")
	}

	fetcher := client.NewFetcher(
		context.Background(),
		api.Transport(),
		client.NewStore(),
		client.NewRefreshMonitor(),
		fmt.Sprintf("%s/%s", strings.TrimSuffix(api.Url(), "/"), resource),
		settings,
	)
	defer fetcher.Close()
	if page != 0 {
		fetcher.SetPage(page)
	}

	timeout := time.After(30 * time.Second)
	for {
		notify := fetcher.NotifyChannel()
		state := fetcher.State()
		if !state.Loading && state.Page == page {
			for _, item := range state.Items {
				Out.Printf("%s", item.EntityId())
			}
			Out.Printf("page %d/%d (%d total)", state.Page+1, fetcher.PageCount(), state.Total)
			return
		}
		select {
		case <-notify:
		case <-timeout:
			Err.Fatalf("Timed out listing %s.", resource)
		}
	}
}

// stay signed in and print pushed notifications as they arrive
func watch(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	if api.Session().AccessToken() == "" {
		Err.Fatalf("watch needs an access token.")
	}

	coordinator := client.NewCoordinatorWithDefaults(context.Background(), api)
	defer coordinator.Close()

	coordinator.AddNotifyCallback(func(title string, body string) {
		Out.Printf("%s: %s", title, body)
	})

	staff, err := api.GetProfileSync()
	if err != nil {
		Err.Fatalf("Could not load profile (%s).", err)
	}
	coordinator.SetProfile(staff)
	Out.Printf("watching as %s (%s)", staff.Name, staff.Id)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}
