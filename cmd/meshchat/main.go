package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshchat/pkg/config"
	"meshchat/pkg/node"
	"meshchat/pkg/tor"
)

const version = "0.3.0"

var log = logrus.New()

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "meshchat",
	Short: "Decentralized chat over a TTL-bounded flood mesh.",
	Long: `meshchat relays short messages between independent nodes over
direct TCP links, with no central server. Messages flood outward up to
their hop budget; duplicates are suppressed per node.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("meshchat", version)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mesh node",
	RunE:  runNode,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ./meshchat.yaml)")

	runCmd.Flags().Int("port", 0, "TCP listening port")
	runCmd.Flags().String("nickname", "", "nickname announced to peers")
	runCmd.Flags().StringSlice("peer", nil, "bootstrap peer host:port (repeatable)")
	runCmd.Flags().Int("ttl", 0, "hop budget for sent messages (1-7)")
	runCmd.Flags().Bool("tor", false, "run the listener as a Tor hidden service")
	runCmd.Flags().String("log-level", "", "debug, info, warn, or error")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	initLogger(cfg.LogLevel)

	nodeCfg := node.Config{
		Nickname:   cfg.Nickname,
		DefaultTTL: cfg.TTL,
		Logger:     log,
	}

	var torSvc *tor.Service
	if cfg.Tor {
		log.Info("starting embedded Tor, this can take a while")
		torSvc, err = tor.Start(context.Background(), cfg.Port)
		if err != nil {
			return err
		}
		defer torSvc.Stop()
		log.Infof("hidden service address: %s", torSvc.OnionAddress)

		dialer, err := torSvc.Dialer()
		if err != nil {
			return err
		}
		nodeCfg.Dial = func(address string) (net.Conn, error) {
			return dialer.Dial("tcp", address)
		}
		nodeCfg.Listen = func(int) (net.Listener, error) {
			return torSvc.Listener(), nil
		}
	}

	n := node.New(nodeCfg)
	if err := n.Start(cfg.Port); err != nil {
		return err
	}
	defer n.Stop()
	log.Infof("node %q up on port %d", cfg.Nickname, cfg.Port)

	for _, addr := range cfg.Bootstrap {
		host, port, err := splitPeer(addr)
		if err != nil {
			log.Warnf("bad bootstrap peer %q: %v", addr, err)
			continue
		}
		if err := n.ConnectToPeer(host, port); err != nil {
			log.Warnf("bootstrap %s: %v", addr, err)
		}
	}

	go pumpEvents(n)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(n, line); done {
				return nil
			}
		}
	}
}

func handleLine(n *node.Node, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/peers":
		for _, p := range n.Peers() {
			fmt.Printf("  %s (%s) last seen %s\n", p.DisplayName(), p.Key(), p.LastSeen.Format("15:04:05"))
		}
	case strings.HasPrefix(line, "/connect "):
		arg := strings.TrimSpace(strings.TrimPrefix(line, "/connect "))
		host, port, err := splitPeer(arg)
		if err != nil {
			fmt.Printf("usage: /connect host:port (%v)\n", err)
			break
		}
		if err := n.ConnectToPeer(host, port); err != nil {
			fmt.Printf("connect failed: %v\n", err)
		}
	default:
		if err := n.SendMessage(line); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}
	}
	return false
}

func pumpEvents(n *node.Node) {
	for ev := range n.Events() {
		switch ev.Kind {
		case node.EventMessage:
			if !ev.Own {
				fmt.Printf("<%s> %s\n", ev.Sender, ev.Text)
			}
		case node.EventPeerJoined:
			fmt.Printf("* %s joined\n", ev.Peer.DisplayName())
		case node.EventPeerLeft:
			fmt.Printf("* %s left\n", ev.Peer.DisplayName())
		case node.EventConnFailed:
			fmt.Printf("* connection error: %v\n", ev.Err)
		}
	}
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("nickname") {
		cfg.Nickname, _ = cmd.Flags().GetString("nickname")
	}
	if cmd.Flags().Changed("peer") {
		cfg.Bootstrap, _ = cmd.Flags().GetStringSlice("peer")
	}
	if cmd.Flags().Changed("ttl") {
		cfg.TTL, _ = cmd.Flags().GetInt("ttl")
	}
	if cmd.Flags().Changed("tor") {
		cfg.Tor, _ = cmd.Flags().GetBool("tor")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
}

func initLogger(level string) {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

func splitPeer(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
