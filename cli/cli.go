package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mlctrez/fauxmo"
	"github.com/mlctrez/fauxmo/apiserver"
	"github.com/mlctrez/fauxmo/config"
	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/devicedb"
	"github.com/mlctrez/fauxmo/discovery"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/fauxmo/tlsconfig"
	"github.com/mlctrez/fauxmo/webapp"
	"github.com/mlctrez/web"
	"github.com/nats-io/gnatsd/server"
	"github.com/nats-io/go-nats"
)

const HDHR_PLIST = "/Library/LaunchDaemons/com.silicondust.dvr.plist"

func main() {

	ip := flag.String("ip", "", "the ip advertised to hubs, defaults to the first non loopback ipv4 address")
	configPath := flag.String("config", "devices.yaml", "device configuration file")
	db := flag.String("ddb", "", "optional bolt file for persisting device state")
	port := flag.Int("port", 19200, "the web interface port, nats listens on port+1")
	stopTimeout := flag.Duration("stop-timeout", apiserver.DefaultStopTimeout, "graceful shutdown time for device listeners")
	queryTimeout := flag.Duration("query-timeout", time.Second, "how long to wait for a state reply over nats")
	tlsPEM := flag.String("tls-pem", "", "optional pem bundle, serves the web interface over https")
	unloadHDHR := flag.Bool("unload-hdhr", false, "unload the silicon dust service on mac which hogs port 1900")
	flag.Parse()

	if *ip == "" {
		*ip = defaultIP()
	}
	if *ip == "" {
		flag.Usage()
		log.Fatal("no usable ip found, ip parameter must be provided")
	}

	if *unloadHDHR {
		if _, err := os.Stat(HDHR_PLIST); err == nil {
			cmd := exec.Command("/usr/bin/sudo", "launchctl", "unload", HDHR_PLIST)
			if out, err := cmd.CombinedOutput(); err != nil {
				log.Fatal("launchctl unload ", err, string(out))
			}
		}
	}

	webAddr := fmt.Sprintf("%s:%d", *ip, *port)
	natsPort := *port + 1

	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	web.Logger = logger

	ml := hlog.New(logger, "Main")

	defer func() {
		ml.Println("exiting with ", runtime.NumGoroutine(), "go routines")
	}()

	mainContext, cancel := context.WithCancel(context.Background())
	defer func() {
		ml.Println("cancel()")
		cancel()
		time.Sleep(250 * time.Millisecond)
		ml.Println("cancel() complete")
	}()

	ns := natsserver.New(&server.Options{Host: *ip, Port: natsPort, NoSigs: true}, logger)
	if err := ns.Start(mainContext); err != nil {
		ml.Println("error starting nats server", err)
		return
	}
	defer ns.Shutdown()

	opts := fauxmo.Options{IP: *ip}
	var deviceDB *devicedb.DeviceDB
	if *db != "" {
		var err error
		if deviceDB, err = devicedb.New(*db, logger); err != nil {
			ml.Println("error opening device db", err)
			return
		}
		defer deviceDB.Close()
		opts.Cache = deviceDB.Cache()
	}

	fm := fauxmo.New(opts,
		discovery.New(discovery.DefaultOptions(), ns, logger),
		apiserver.New(apiserver.Options{StopTimeout: *stopTimeout}, ns, logger),
		logger)
	defer fm.Stop(context.Background())

	var err error
	app := webapp.New(fm, ns, logger)
	if *tlsPEM != "" {
		if app.TLSConfig, err = tlsconfig.Load(*tlsPEM); err != nil {
			ml.Println("tls", err)
			return
		}
	}
	go app.Run(webAddr, mainContext)

	bind := func(id string, d config.Device) (device.Switcher, device.Querier) {
		return ns.Switcher(id), ns.Querier(id, *queryTimeout)
	}
	reload := func() {
		f, err := config.Load(*configPath)
		if err != nil {
			ml.Println("config", err)
			return
		}
		if err = fm.Update(mainContext, f.Configs(nil, bind)); err != nil {
			ml.Println("update", err)
			return
		}
		if deviceDB != nil {
			var ids []string
			for _, d := range fm.Snapshot().Devices() {
				ids = append(ids, d.ID)
			}
			if err = deviceDB.Prune(ids); err != nil {
				ml.Println("prune", err)
			}
		}
	}
	reload()

	reloadChan := make(chan struct{}, 1)
	if _, err := ns.Subscribe(natsserver.SubjectReload, func(_ *nats.Msg) {
		select {
		case reloadChan <- struct{}{}:
		default:
		}
	}); err != nil {
		ml.Println("Subscribe", natsserver.SubjectReload, err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Reset()
	signal.Notify(signalChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	ml.Println("listening for signals")
	for {
		select {
		case <-reloadChan:
			ml.Println("reload requested over nats")
			reload()
		case sig := <-signalChan:
			ml.Println("signal:", sig)
			if sig == syscall.SIGHUP {
				reload()
				continue
			}
			return
		}
	}
}

func defaultIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return ""
}
