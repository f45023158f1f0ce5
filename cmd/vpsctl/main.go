// Command vpsctl is an operator CLI for the provisioning daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var daemonAddr string

func main() {
	root := &cobra.Command{
		Use:           "vpsctl",
		Short:         "control the VPS provisioning daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&daemonAddr, "addr", "http://localhost:8080", "daemon address")

	root.AddCommand(pingCmd(), provisionCmd(), listCmd(),
		actionCmd("start", "start a stopped instance and refresh its session"),
		actionCmd("stop", "stop a running instance"),
		actionCmd("restart", "stop and start an instance, refreshing its session"),
		actionCmd("remove", "delete an instance and its record"),
		reconcileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check daemon and runtime health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := get("/ping")
			if err != nil {
				return err
			}
			fmt.Println(out["msg"])
			return nil
		},
	}
}

func provisionCmd() *cobra.Command {
	var owner, variant string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "create an instance and print its session credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := post("/provision", map[string]string{
				"owner": owner, "variant": variant,
			})
			if err != nil {
				return err
			}
			fmt.Printf("instance: %v\ncredential: %v\n", out["instance"], out["credential"])
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.Flags().StringVar(&variant, "variant", "ubuntu", "OS variant (ubuntu, debian, arch)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func listCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list an owner's instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(daemonAddr + "/list?owner=" + url.QueryEscape(owner))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var out struct {
				Instances []struct {
					Instance   string `json:"instance"`
					Variant    string `json:"variant"`
					Credential string `json:"credential"`
				} `json:"instances"`
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			if out.Error != "" {
				return fmt.Errorf("%s", out.Error)
			}
			for _, it := range out.Instances {
				fmt.Printf("%s|%s|%s\n", owner, it.Instance, it.Credential)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func actionCmd(verb, short string) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   verb + " SELECTOR",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := post("/"+verb, map[string]string{
				"owner": owner, "selector": args[0],
			})
			if err != nil {
				return err
			}
			fmt.Println(out["result"])
			if cred, ok := out["credential"]; ok && cred != "" {
				fmt.Println("credential:", cred)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "drop records whose instances no longer exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := post("/reconcile", map[string]string{"owner": owner})
			if err != nil {
				return err
			}
			fmt.Printf("reclaimed: %v\n", out["reclaimed"])
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner identity")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func post(path string, body map[string]string) (map[string]any, error) {
	bs, _ := json.Marshal(body)
	resp, err := http.Post(daemonAddr+path, "application/json", bytes.NewReader(bs))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp)
}

func get(path string) (map[string]any, error) {
	resp, err := http.Get(daemonAddr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decode(resp)
}

func decode(resp *http.Response) (map[string]any, error) {
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if msg, ok := out["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%s", msg)
	}
	return out, nil
}
