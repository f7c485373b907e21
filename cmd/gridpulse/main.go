// gridpulse is the command-line console for a running gridpulsed.
package main

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridpulse/gridpulse/internal/guirpc"
)

var (
	host         string
	port         int
	passwordFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridpulse",
		Short: "GridPulse control console",
	}

	home, _ := os.UserHomeDir()
	defaultPasswordFile := filepath.Join(home, ".gridpulse", "rpc_auth.cfg")
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "agent host")
	rootCmd.PersistentFlags().IntVar(&port, "port", 31416, "control socket port")
	rootCmd.PersistentFlags().StringVar(&passwordFile, "password-file", defaultPasswordFile, "control password file")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(noticesCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(detachCmd())
	rootCmd.AddCommand(acctMgrCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(quitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect dials the agent and authenticates with the shared password.
func connect() (*guirpc.Client, error) {
	c, err := guirpc.Dial(fmt.Sprintf("%s:%d", host, port), 5*time.Second)
	if err != nil {
		return nil, err
	}
	password := ""
	if data, err := os.ReadFile(passwordFile); err == nil {
		password = strings.TrimSpace(string(data))
	}
	if password != "" {
		if err := c.Authenticate(password); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show attached projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Do("get_project_status", "")
			if err != nil {
				return err
			}
			var doc struct {
				Projects []struct {
					MasterURL     string  `xml:"master_url"`
					ProjectName   string  `xml:"project_name"`
					ResourceShare float64 `xml:"resource_share"`
					NJobs         int     `xml:"njobs"`
				} `xml:"project"`
			}
			if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
				return fmt.Errorf("bad reply: %w", err)
			}
			if len(doc.Projects) == 0 {
				fmt.Println("No projects attached.")
				return nil
			}
			for _, p := range doc.Projects {
				name := p.ProjectName
				if name == "" {
					name = p.MasterURL
				}
				fmt.Printf("%-40s share %g, %d jobs\n", name, p.ResourceShare, p.NJobs)
			}
			return nil
		},
	}
}

func noticesCmd() *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "notices",
		Short: "Show notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Do("get_notices", fmt.Sprintf("<seqno>%d</seqno>", since))
			if err != nil {
				return err
			}
			var doc struct {
				Notices []struct {
					Seqno       int    `xml:"seqno"`
					Title       string `xml:"title"`
					Description string `xml:"description"`
					CreateTime  int64  `xml:"create_time"`
				} `xml:"notice"`
			}
			if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
				return fmt.Errorf("bad reply: %w", err)
			}
			for _, n := range doc.Notices {
				ts := time.Unix(n.CreateTime, 0).Format("2006-01-02 15:04")
				fmt.Printf("[%d] %s  %s\n    %s\n", n.Seqno, ts, n.Title, n.Description)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "only notices after this seqno")
	return cmd
}

func messagesCmd() *cobra.Command {
	var since int
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Show the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Do("get_messages", fmt.Sprintf("<seqno>%d</seqno>", since))
			if err != nil {
				return err
			}
			var doc struct {
				Msgs []struct {
					Seqno   int    `xml:"seqno"`
					Project string `xml:"project"`
					Time    int64  `xml:"time"`
					Body    string `xml:"body"`
				} `xml:"msg"`
			}
			if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
				return fmt.Errorf("bad reply: %w", err)
			}
			for _, m := range doc.Msgs {
				ts := time.Unix(m.Time, 0).Format("2006-01-02 15:04:05")
				tag := m.Project
				if tag == "" {
					tag = "client"
				}
				fmt.Printf("%d %s [%s] %s\n", m.Seqno, ts, tag, m.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&since, "since", 0, "only messages after this seqno")
	return cmd
}

func attachCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "attach URL AUTHENTICATOR",
		Short: "Attach to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			body := "<project_url>" + args[0] + "</project_url>" +
				"<authenticator>" + args[1] + "</authenticator>" +
				"<project_name>" + name + "</project_name>"
			return expectSuccess(c.Do("project_attach", body))
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project display name")
	return cmd
}

func detachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach URL",
		Short: "Detach from a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return expectSuccess(c.Do("project_detach", "<project_url>"+args[0]+"</project_url>"))
		},
	}
}

func acctMgrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acctmgr",
		Short: "Account manager operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the configured account manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Do("acct_mgr_info", "")
			if err != nil {
				return err
			}
			var doc struct {
				URL  string `xml:"acct_mgr_url"`
				Name string `xml:"acct_mgr_name"`
			}
			if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
				return fmt.Errorf("bad reply: %w", err)
			}
			if doc.URL == "" {
				fmt.Println("No account manager configured.")
				return nil
			}
			fmt.Printf("%s (%s)\n", doc.Name, doc.URL)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "attach URL USERNAME",
		Short: "Attach to an account manager",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Password: ")
			pw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return err
			}

			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			body := "<url>" + args[0] + "</url><name>" + args[1] + "</name><password>" + string(pw) + "</password>"
			if err := expectSuccess(c.Do("acct_mgr_rpc", body)); err != nil {
				return err
			}
			return pollAcctMgr(c)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "detach",
		Short: "Detach from the account manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return expectSuccess(c.Do("acct_mgr_rpc", "<url></url>"))
		},
	})
	return cmd
}

// pollAcctMgr waits for an in-flight manager exchange to finish.
func pollAcctMgr(c *guirpc.Client) error {
	for i := 0; i < 60; i++ {
		reply, err := c.Do("acct_mgr_rpc_poll", "")
		if err != nil {
			return err
		}
		var doc struct {
			ErrorNum int    `xml:"error_num"`
			Message  string `xml:"message"`
		}
		if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
			return fmt.Errorf("bad reply: %w", err)
		}
		switch doc.ErrorNum {
		case 0:
			fmt.Println("Account manager exchange completed.")
			return nil
		case -204:
			time.Sleep(time.Second)
		default:
			return fmt.Errorf("account manager exchange failed: %s (%d)", doc.Message, doc.ErrorNum)
		}
	}
	return fmt.Errorf("timed out waiting for the account manager exchange")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.Do("exchange_versions", "")
			if err != nil {
				return err
			}
			var doc struct {
				Major   int `xml:"major"`
				Minor   int `xml:"minor"`
				Release int `xml:"release"`
			}
			if err := xml.Unmarshal([]byte(reply), &doc); err != nil {
				return fmt.Errorf("bad reply: %w", err)
			}
			fmt.Printf("gridpulsed %d.%d.%d\n", doc.Major, doc.Minor, doc.Release)

			reply, err = c.Do("get_newer_version", "")
			if err == nil {
				var nv struct {
					Newer string `xml:",chardata"`
				}
				if xml.Unmarshal([]byte(reply), &nv) == nil && strings.TrimSpace(nv.Newer) != "" {
					fmt.Printf("A newer version is available: %s\n", strings.TrimSpace(nv.Newer))
				}
			}
			return nil
		},
	}
}

func quitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Stop the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			return expectSuccess(c.Do("quit", ""))
		},
	}
}

func expectSuccess(reply string, err error) error {
	if err != nil {
		return err
	}
	if strings.Contains(reply, "<success/>") {
		return nil
	}
	if strings.Contains(reply, "<unauthorized/>") {
		return fmt.Errorf("unauthorized: check %s", strconv.Quote(passwordFile))
	}
	return fmt.Errorf("request failed: %s", reply)
}
