// mailstore is a tool for inspecting and maintaining a mail corpus
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kjk/mailstore/backup"
	"github.com/kjk/mailstore/catalog"
	"github.com/kjk/mailstore/filelock"
	"github.com/kjk/mailstore/log"
	"github.com/kjk/mailstore/mailcorpus"
	"github.com/kjk/mailstore/tardb"
	"github.com/kjk/mailstore/u"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func loadOptions(c *cli.Context) (*mailcorpus.Options, error) {
	path := c.String("config")
	if path == "" {
		return &mailcorpus.Options{}, nil
	}
	cfg, err := mailcorpus.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg.Options()
}

func corpusDir(c *cli.Context) (string, error) {
	dir := c.Args().First()
	if dir == "" {
		return "", errors.New("missing corpus directory")
	}
	return dir, nil
}

func parseIDs(args []string) ([]int, error) {
	var res []int
	for _, s := range args {
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Errorf("invalid record id '%s'", s)
		}
		res = append(res, id)
	}
	if len(res) == 0 {
		return nil, errors.New("missing record id")
	}
	return res, nil
}

func cmdCreate(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	if err = mailcorpus.Create(dir, opts); err != nil {
		return err
	}
	log.Logf("created corpus in '%s'\n", dir)
	return nil
}

func cmdInfo(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	mc, err := mailcorpus.Open(dir, catalog.ReadOnly, opts)
	if err != nil {
		return err
	}
	defer mc.Close(nil)

	tarDir := filepath.Join(dir, mailcorpus.TarDir)
	paths, err := tardb.SegmentPaths(tarDir)
	if err != nil {
		return err
	}
	locked := filelock.IsLocked(filepath.Join(tarDir, tardb.DefaultLockName))
	fmt.Printf("dir:      %s\n", dir)
	fmt.Printf("messages: %d\n", mc.Count())
	fmt.Printf("locked:   %v\n", locked)
	var total int64
	for _, path := range paths {
		size := u.FileSize(path)
		total += size
		fmt.Printf("  %s %s\n", filepath.Base(path), humanize.Bytes(uint64(size)))
	}
	fmt.Printf("segments: %d, %s\n", len(paths), humanize.Bytes(uint64(total)))

	labels, err := mc.LabelDB().Labels()
	if err != nil {
		return err
	}
	for i := 0; i < len(labels); i++ {
		ids, err := mc.LabelDB().IDs(labels[i])
		if err != nil {
			return err
		}
		fmt.Printf("label %c %-10s %s\n", labels[i], mc.Names.Name(labels[i]), humanize.Comma(int64(len(ids))))
	}
	return nil
}

// writeMbox writes msg in mboxrd format
func writeMbox(w *bufio.Writer, msg []byte, mtime time.Time) {
	fmt.Fprintf(w, "From mailstore %s\n", mtime.UTC().Format(time.ANSIC))
	for _, line := range bytes.SplitAfter(msg, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, ">")
		if bytes.HasPrefix(trimmed, []byte("From ")) {
			w.WriteByte('>')
		}
		w.Write(line)
	}
	if !bytes.HasSuffix(msg, []byte("\n")) {
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
}

func cmdGet(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	ids, err := parseIDs(c.Args().Tail())
	if err != nil {
		return err
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	mc, err := mailcorpus.Open(dir, catalog.ReadOnly, opts)
	if err != nil {
		return err
	}
	defer mc.Close(nil)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, id := range ids {
		doc, err := mc.GetDoc(id)
		if err != nil {
			return err
		}
		msg, err := mc.GetMessage(id)
		if err != nil {
			return err
		}
		if c.Bool("mbox") {
			writeMbox(w, msg, doc.Mtime)
			continue
		}
		if c.Bool("headers") {
			fmt.Fprintf(w, "id: %d\nmtime: %s\nlabels: %s\nsize: %d\n\n", id, doc.Mtime.Format(time.RFC3339), mc.FormatLabels(doc.Labels), len(msg))
		}
		w.Write(msg)
	}
	return nil
}

func cmdAdd(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	files := c.Args().Tail()
	if len(files) == 0 {
		return errors.New("missing files to add")
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	return mailcorpus.Update(dir, opts, func(mc *mailcorpus.Corpus) error {
		labels := mc.Names.ResolveAll(c.StringSlice("label"))
		for _, path := range files {
			st, err := os.Stat(path)
			if err != nil {
				return err
			}
			d, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			id, err := mc.AddMessage(d, labels, st.ModTime())
			if err != nil {
				return errors.Wrapf(err, "adding '%s'", path)
			}
			log.Verbosef("added '%s' as %d\n", path, id)
		}
		log.Logf("added %d messages\n", len(files))
		return nil
	})
}

func resolveLabels(mc *mailcorpus.Corpus, names []string) (string, error) {
	var res []byte
	for _, name := range names {
		for _, s := range strings.Split(name, ",") {
			label, err := mc.Names.Resolve(s)
			if err != nil {
				return "", err
			}
			res = append(res, label)
		}
	}
	return mailcorpus.NormalizeLabels(string(res))
}

func cmdLabel(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	ids, err := parseIDs(c.Args().Tail())
	if err != nil {
		return err
	}
	isSet := c.IsSet("set")
	if !isSet && !c.IsSet("add") && !c.IsSet("del") {
		return errors.New("need one of --add, --del, --set")
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	return mailcorpus.Update(dir, opts, func(mc *mailcorpus.Corpus) error {
		add, err := resolveLabels(mc, c.StringSlice("add"))
		if err != nil {
			return err
		}
		del, err := resolveLabels(mc, c.StringSlice("del"))
		if err != nil {
			return err
		}
		set, err := resolveLabels(mc, c.StringSlice("set"))
		if err != nil {
			return err
		}
		for _, id := range ids {
			var err error
			if isSet {
				err = mc.SetLabel(id, set)
			}
			if err == nil && add != "" {
				err = mc.AddLabel(id, add)
			}
			if err == nil && del != "" {
				err = mc.DelLabel(id, del)
			}
			if err != nil {
				return err
			}
			labels, err := mc.GetLabel(id)
			if err != nil {
				return err
			}
			fmt.Printf("%d: %s\n", id, mc.FormatLabels(labels))
		}
		return nil
	})
}

func cmdList(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	opts, err := loadOptions(c)
	if err != nil {
		return err
	}
	mc, err := mailcorpus.Open(dir, catalog.ReadOnly, opts)
	if err != nil {
		return err
	}
	defer mc.Close(nil)

	var filters []mailcorpus.Filter
	if !c.Bool("all") {
		filters = append(filters, mailcorpus.DefaultFilter)
	}
	for _, name := range c.StringSlice("label") {
		neg := strings.HasPrefix(name, "!")
		p, err := mc.NewLabelPredicate(strings.TrimPrefix(name, "!"), neg)
		if err != nil {
			return err
		}
		filters = append(filters, p)
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for id := 0; id < mc.Count(); id++ {
		ok, err := mc.FilterDoc(id, filters...)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		doc, err := mc.GetDoc(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%8d %s %s\n", id, doc.Mtime.Format("2006-01-02 15:04"), mc.FormatLabels(doc.Labels))
	}
	return nil
}

func cmdRebuildCatalog(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	n, err := mailcorpus.RebuildCatalog(dir, c.Int("record-size"))
	if err != nil {
		return err
	}
	log.Logf("rebuilt catalog of '%s', %d problems\n", dir, n)
	return nil
}

func cmdRebuildLabels(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	n, err := mailcorpus.RebuildLabels(dir)
	if err != nil {
		return err
	}
	log.Logf("rebuilt labels of '%s', %d problems\n", dir, n)
	return nil
}

func cmdUnlock(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, mailcorpus.TarDir, tardb.DefaultLockName)
	if !filelock.IsLocked(path) {
		log.Logf("'%s' is not locked\n", dir)
		return nil
	}
	return filelock.ForceUnlock(path)
}

func cmdBackup(c *cli.Context) error {
	dir, err := corpusDir(c)
	if err != nil {
		return err
	}
	cfg := backup.ConfigFromEnv()
	if path := c.String("config"); path != "" {
		fileCfg, err := backup.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg.Merge(fileCfg)
		if fileCfg != nil {
			cfg.Insecure = fileCfg.Insecure
			cfg.Compress = fileCfg.Compress
		}
	}
	if c.IsSet("compress") {
		cfg.Compress = c.Bool("compress")
	}
	if c.Bool("trace") {
		cfg.RequestTrace = os.Stderr
	}
	ctx := c.Context
	client, err := backup.New(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := client.Backup(ctx, dir, c.Bool("current"))
	if err != nil {
		return err
	}
	log.Logf("uploaded %d files (%s), skipped %d\n", res.Uploaded, humanize.Bytes(uint64(res.Bytes)), res.Skipped)
	return nil
}

// releaseLocksOnSignal makes sure we don't leave a corpus locked
// when killed with ctrl-c
func releaseLocksOnSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		n := filelock.ReleaseAll()
		log.Logf("got signal %s, released %d locks\n", sig, n)
		os.Exit(1)
	}()
}

func main() {
	app := &cli.App{
		Name:  "mailstore",
		Usage: "inspect and maintain a mail corpus",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "yaml config file", EnvVars: []string{"MAILSTORE_CONFIG"}, TakesFile: true},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "verbose logging"},
			&cli.StringFlag{Name: "log-dir", Usage: "directory for daily log files"},
		},
		Before: func(c *cli.Context) error {
			log.Verbose = c.Bool("verbose")
			if dir := c.String("log-dir"); dir != "" {
				log.Init(&log.Config{Dir: dir})
			}
			return nil
		},
		After: func(c *cli.Context) error {
			log.Close()
			return nil
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "create",
			Usage:     "create an empty corpus",
			ArgsUsage: "<dir>",
			Action:    cmdCreate,
		},
		{
			Name:      "info",
			Usage:     "show messages, segments and labels of corpus",
			ArgsUsage: "<dir>",
			Action:    cmdInfo,
		},
		{
			Name:      "get",
			Usage:     "print messages",
			ArgsUsage: "<dir> <id>...",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "headers", Usage: "print id, mtime and labels before message"},
				&cli.BoolFlag{Name: "mbox", Usage: "print in mbox format"},
			},
			Action: cmdGet,
		},
		{
			Name:      "add",
			Usage:     "add messages from files",
			ArgsUsage: "<dir> <file>...",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "label", Aliases: []string{"l"}, Usage: "label of added messages, name or char"},
			},
			Action: cmdAdd,
		},
		{
			Name:      "list",
			Aliases:   []string{"ls"},
			Usage:     "list messages",
			ArgsUsage: "<dir>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "all", Usage: "include deleted and junk"},
				&cli.StringSliceFlag{Name: "label", Aliases: []string{"l"}, Usage: "only messages with label, !label for without"},
			},
			Action: cmdList,
		},
		{
			Name:      "label",
			Usage:     "change labels of messages",
			ArgsUsage: "<dir> <id>...",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "add", Usage: "labels to add"},
				&cli.StringSliceFlag{Name: "del", Usage: "labels to remove"},
				&cli.StringSliceFlag{Name: "set", Usage: "replace labels"},
			},
			Action: cmdLabel,
		},
		{
			Name:      "rebuild-catalog",
			Usage:     "re-create catalog from segment files",
			ArgsUsage: "<dir>",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "record-size", Usage: "width of catalog lines, 0 keeps the current one"},
			},
			Action: cmdRebuildCatalog,
		},
		{
			Name:      "rebuild-labels",
			Usage:     "re-create label index from segment files",
			ArgsUsage: "<dir>",
			Action:    cmdRebuildLabels,
		},
		{
			Name:      "unlock",
			Usage:     "remove a lock left by a crashed process",
			ArgsUsage: "<dir>",
			Action:    cmdUnlock,
		},
		{
			Name:      "backup",
			Usage:     "upload corpus to s3-compatible storage",
			ArgsUsage: "<dir>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "current", Usage: "also upload the segment being written to"},
				&cli.BoolFlag{Name: "compress", Usage: "brotli compress uploaded files"},
				&cli.BoolFlag{Name: "trace", Usage: "trace s3 requests to stderr"},
			},
			Action: cmdBackup,
		},
	}

	releaseLocksOnSignal()
	err := app.Run(os.Args)
	if n := filelock.ReleaseAll(); n > 0 {
		log.Logf("released %d locks on exit\n", n)
	}
	if err != nil {
		log.Errorf("%s\n", err)
		os.Exit(1)
	}
}
