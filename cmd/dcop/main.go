// Command dcop lists applications and objects, and calls functions, over DCOP.
//
//	dcop                         list registered applications
//	dcop app                     list the objects of app
//	dcop app obj                 list the functions of obj
//	dcop app obj 'fun(int)' 5    call fun and print the reply
package main

import (
	"context"
	"flag"
	"fmt"
	"go.uber.org/zap"
	"mini-dcop/client"
	"os"
	"time"
)

func main() {
	server := flag.String("server", "", "network id of the server, defaults to discovery")
	timeout := flag.Duration("timeout", 0, "give up on a call after this long, 0 waits forever")
	verbose := flag.Bool("v", false, "log protocol diagnostics")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	opts := []client.Option{client.WithLogger(logger), client.WithPingInterval(0)}
	if *server != "" {
		opts = append(opts, client.WithServerAddr(*server))
	}
	c := client.New(opts...)
	if err := c.Attach(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dcop:", err)
		os.Exit(1)
	}
	defer c.Detach()

	if err := run(ctx, c, flag.Args(), *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "dcop:", err)
		c.Detach()
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, args []string, verbose bool) error {
	switch len(args) {
	case 0:
		apps, err := c.RegisteredApplications(ctx)
		if err != nil {
			return err
		}
		for _, app := range apps {
			if app != c.AppID() {
				fmt.Println(app)
			}
		}
		return nil
	case 1:
		return printList(ctx, c, args[0], "", "objects()")
	case 2:
		return printList(ctx, c, args[0], args[1], "functions()")
	}

	fun, data, err := encodeArgs(args[2], args[3:])
	if err != nil {
		return err
	}
	start := time.Now()
	replyType, reply, err := c.Call(ctx, args[0], args[1], fun, data)
	if err != nil {
		return err
	}
	out, err := decodeReply(replyType, reply)
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "%s in %v\n", replyType, time.Since(start))
	}
	return nil
}

func printList(ctx context.Context, c *client.Client, app, obj, fun string) error {
	replyType, reply, err := c.Call(ctx, app, obj, fun, nil)
	if err != nil {
		return err
	}
	out, err := decodeReply(replyType, reply)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
