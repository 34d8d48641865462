// Copyright (c) 2026, the AniBridge contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torznab

import (
	"encoding/xml"
	"strconv"
	"time"
)

const (
	torznabNS    = "http://torznab.com/schemas/2015/feed"
	rssMediaType = "application/rss+xml"
	capsMedia    = "application/xml"

	magnetEnclosureType = "application/x-bittorrent;x-scheme-handler/magnet"
)

// rss is the RSS 2.0 envelope with the torznab attribute extension.
type rss struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	NS      string   `xml:"xmlns:torznab,attr"`
	Channel channel  `xml:"channel"`
}

type channel struct {
	Title       string `xml:"title"`
	Description string `xml:"description,omitempty"`
	Items       []item `xml:"item"`
}

type item struct {
	Title     string    `xml:"title"`
	GUID      guid      `xml:"guid"`
	Link      string    `xml:"link"`
	PubDate   string    `xml:"pubDate"`
	Category  string    `xml:"category"`
	Enclosure enclosure `xml:"enclosure"`
	Attrs     []attr    `xml:"torznab:attr"`
}

type guid struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type enclosure struct {
	URL    string `xml:"url,attr"`
	Length int64  `xml:"length,attr"`
	Type   string `xml:"type,attr"`
}

type attr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Release is one synthetic release before serialisation.
type Release struct {
	Title    string
	Magnet   string
	InfoHash string
	GUID     string // defaults to InfoHash when empty
	Size     int64
	Category int
	Absolute int
	PubDate  time.Time

	Seeders  int
	Leechers int
}

func (r Release) toItem() item {
	id := r.GUID
	if id == "" {
		id = r.InfoHash
	}

	attrs := []attr{
		{Name: "magneturl", Value: r.Magnet},
		{Name: "size", Value: strconv.FormatInt(r.Size, 10)},
		{Name: "infohash", Value: r.InfoHash},
		{Name: "seeders", Value: strconv.Itoa(r.Seeders)},
		{Name: "peers", Value: strconv.Itoa(r.Seeders + r.Leechers)},
		{Name: "leechers", Value: strconv.Itoa(r.Leechers)},
	}
	if r.Absolute > 0 {
		attrs = append(attrs, attr{Name: "absoluteNumber", Value: strconv.Itoa(r.Absolute)})
	}

	return item{
		Title:     r.Title,
		GUID:      guid{IsPermaLink: false, Value: id},
		Link:      r.Magnet,
		PubDate:   r.PubDate.UTC().Format(time.RFC1123),
		Category:  strconv.Itoa(r.Category),
		Enclosure: enclosure{URL: r.Magnet, Length: r.Size, Type: magnetEnclosureType},
		Attrs:     attrs,
	}
}

func feed(name string, releases []Release) rss {
	items := make([]item, 0, len(releases))
	for _, r := range releases {
		items = append(items, r.toItem())
	}
	return rss{
		Version: "2.0",
		NS:      torznabNS,
		Channel: channel{Title: name, Items: items},
	}
}

// caps document, static besides the configured categories.
type capsDoc struct {
	XMLName    xml.Name       `xml:"caps"`
	Server     capsServer     `xml:"server"`
	Limits     capsLimits     `xml:"limits"`
	Searching  capsSearching  `xml:"searching"`
	Categories capsCategories `xml:"categories"`
}

type capsServer struct {
	Title string `xml:"title,attr"`
}

type capsLimits struct {
	Max     int `xml:"max,attr"`
	Default int `xml:"default,attr"`
}

type capsSearching struct {
	Search      capsSearch `xml:"search"`
	TVSearch    capsSearch `xml:"tv-search"`
	MovieSearch capsSearch `xml:"movie-search"`
}

type capsSearch struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

type capsCategories struct {
	Categories []capsCategory `xml:"category"`
}

type capsCategory struct {
	ID   int    `xml:"id,attr"`
	Name string `xml:"name,attr"`
}
