package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"time"

	"github.com/modfin/sendq"
	"github.com/modfin/sendq/tools"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "sendq",
		Usage: "a cli for queueing campaign sends and inspecting the send queue of a sendqd",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				EnvVars: []string{"SENDQ_HOST"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "key",
				EnvVars: []string{"SENDQ_API_KEY"},
				Usage:   "api key of the sendqd",
			},
		},

		Commands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "queue a campaign send, recipients and content are read from the campaign unless given",
				ArgsUsage: "<campaign-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringSliceFlag{
						Name:  "to",
						Usage: "recipient, 'email' or 'name <email>' is valid",
					},
					&cli.StringFlag{Name: "subject"},
					&cli.StringFlag{Name: "from", Usage: "'email' or 'name <email>' is valid"},
					&cli.StringFlag{Name: "reply-to"},
					&cli.StringFlag{Name: "html", Usage: "html content of the mail"},
					&cli.StringFlag{Name: "html-file", Usage: "path to a file with the html content of the mail"},
					&cli.BoolFlag{Name: "wait", Usage: "poll the job until it has completed or failed"},
				},
				Action: send,
			},
			{
				Name:      "job",
				Usage:     "show the status of a job",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "poll the job until it has completed or failed"},
				},
				Action: job,
			},
			{
				Name:   "stats",
				Usage:  "show job counts of the queue",
				Action: stats,
			},
			{
				Name:  "failed",
				Usage: "list recently failed jobs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: failed,
			},
			{
				Name:   "clean",
				Usage:  "remove old completed and failed jobs",
				Action: clean,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *sendq.Client {
	return sendq.NewClient(c.String("key"), c.String("host"))
}

func output(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func send(c *cli.Context) error {
	campaignID := c.Args().First()
	if campaignID == "" {
		return errors.New("a campaign id is required")
	}

	in := sendq.SendJobInput{
		CampaignID: campaignID,
		UserID:     c.String("user"),
	}

	var err error
	in.Recipients, err = recipients(c.StringSlice("to"))
	if err != nil {
		return err
	}

	email, err := emailData(c)
	if err != nil {
		return err
	}
	if !email.Empty() {
		in.EmailData = &email
	}

	h, err := client(c).Send(c.Context, in)
	var rl *sendq.RateLimitedError
	if errors.As(err, &rl) {
		return fmt.Errorf("too many sends, try again in %s", rl.RetryAfter)
	}
	if err != nil {
		return err
	}
	if h.Duplicate {
		_, _ = fmt.Fprintln(os.Stderr, "the send was already queued")
	}
	if c.Bool("wait") {
		return wait(c, h.JobID)
	}
	return output(h)
}

func recipients(to []string) ([]sendq.Recipient, error) {
	var rs []sendq.Recipient
	seen := map[string]bool{}
	for _, t := range to {
		a, err := mail.ParseAddress(t)
		if err != nil {
			return nil, fmt.Errorf("could not parse recipient %q: %w", t, err)
		}
		email := tools.NormalizeEmail(a.Address)
		if seen[email] {
			continue
		}
		seen[email] = true
		rs = append(rs, sendq.Recipient{Email: email, FirstName: a.Name})
	}
	return rs, nil
}

func emailData(c *cli.Context) (sendq.EmailData, error) {
	e := sendq.EmailData{
		Subject:  c.String("subject"),
		ReplyTo:  c.String("reply-to"),
		HTMLBody: c.String("html"),
	}
	if f := c.String("from"); f != "" {
		a, err := mail.ParseAddress(f)
		if err != nil {
			return e, fmt.Errorf("could not parse from %q: %w", f, err)
		}
		e.FromEmail = a.Address
		e.FromName = a.Name
	}
	if p := c.String("html-file"); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return e, err
		}
		e.HTMLBody = string(b)
	}
	return e, nil
}

func job(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("a job id is required")
	}
	if c.Bool("wait") {
		return wait(c, id)
	}
	s, err := client(c).Job(c.Context, id)
	if err != nil {
		return err
	}
	return output(s)
}

func wait(c *cli.Context, id string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := -1
	for {
		s, err := client(c).Job(c.Context, id)
		if err != nil {
			return err
		}
		if s.Progress.Percentage != last {
			last = s.Progress.Percentage
			_, _ = fmt.Fprintf(os.Stderr, "%s %s %d%% (%d/%d)\n", s.JobID, s.State, s.Progress.Percentage, s.Progress.Processed, s.Progress.Total)
		}
		if s.State == sendq.StateCompleted || s.State == sendq.StateFailed {
			return output(s)
		}
		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-ticker.C:
		}
	}
}

func stats(c *cli.Context) error {
	s, err := client(c).Stats(c.Context)
	if err != nil {
		return err
	}
	return output(s)
}

func failed(c *cli.Context) error {
	jobs, err := client(c).Failed(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	return output(jobs)
}

func clean(c *cli.Context) error {
	r, err := client(c).Clean(c.Context)
	if err != nil {
		return err
	}
	return output(r)
}
