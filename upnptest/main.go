package main

import (
	"bufio"
	"bytes"
	"flag"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mlctrez/fauxmo/discovery"
)

const search = "M-SEARCH * HTTP/1.1\r\n" +
	"HOST: 239.255.255.250:1900\r\n" +
	"MAN: \"ssdp:discover\"\r\n" +
	"MX: 1\r\n" +
	"ST: urn:Belkin:device:**\r\n" +
	"\r\n"

func main() {
	target := flag.String("target", discovery.DefaultGroup+discovery.DefaultAddr, "where to send the search")
	wait := flag.Duration("wait", 3*time.Second, "how long to collect responses")
	fetch := flag.Bool("fetch", false, "fetch setup.xml from each location")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp4", *target)
	if err != nil {
		log.Fatal(err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if _, err = conn.WriteToUDP([]byte(search), addr); err != nil {
		log.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(*wait))

	log.Println("listening for responses on", conn.LocalAddr())
	var buf [2048]byte
	for {
		n, remote, err := conn.ReadFromUDP(buf[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			log.Fatal(err)
		}
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(buf[:n])), nil)
		if err != nil {
			log.Println(remote, "unparseable response", err)
			continue
		}
		location := resp.Header.Get("LOCATION")
		log.Println(remote, location, resp.Header.Get("USN"))
		if *fetch && location != "" {
			printSetup(location)
		}
	}
}

func printSetup(location string) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(location)
	if err != nil {
		log.Println("fetch", location, err)
		return
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		log.Println("read", location, err)
		return
	}
	log.Println(resp.Status, string(body))
}
