// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hungarian holds the keyword tables that drive conversation
// analysis: area, domain, and device-class patterns, follow-up and control
// cues, in Hungarian and English. The tables are data, not code: the static
// maps below are the baseline, database-sourced area aliases and an optional
// pattern file extend them at runtime.
package hungarian

// AreaPatterns maps canonical area names to the token prefixes that mention
// them. Hungarian is agglutinative, so patterns are stems: "kert" matches
// "kertben", "kertből", "kerti".
var AreaPatterns = map[string][]string{
	"kert":         {"kert", "garden", "yard", "udvar"},
	"nappali":      {"nappali", "living room", "livingroom"},
	"hálószoba":    {"hálószoba", "háló", "bedroom"},
	"konyha":       {"konyha", "kitchen"},
	"fürdőszoba":   {"fürdőszoba", "fürdő", "bathroom"},
	"előszoba":     {"előszoba", "folyosó", "hallway", "corridor"},
	"gyerekszoba":  {"gyerekszoba", "gyerek szoba", "kids room", "nursery"},
	"iroda":        {"iroda", "dolgozó", "office", "study"},
	"garázs":       {"garázs", "garage"},
	"pince":        {"pince", "basement", "cellar"},
	"padlás":       {"padlás", "attic"},
	"terasz":       {"terasz", "erkély", "terrace", "balcony", "patio"},
	"mosókonyha":   {"mosókonyha", "laundry"},
	"kamra":        {"kamra", "pantry"},
	"étkező":       {"étkező", "dining"},
	"vendégszoba":  {"vendégszoba", "guest room"},
	"bejárat":      {"bejárat", "entrance", "front door"},
}

// HouseWidePatterns mark whole-house questions ("mi a helyzet otthon?").
var HouseWidePatterns = []string{
	"otthon", "ház", "házban", "lakás", "home", "house", "mindenhol", "everywhere",
}

// DomainPatterns maps entity domains to their mention patterns and, where
// the domain refines into device classes, a nested class pattern map. A
// device-class match emits both the domain and the class.
var DomainPatterns = map[string]DomainPattern{
	"sensor": {
		Patterns: []string{"szenzor", "érzékelő", "mérő", "sensor"},
		DeviceClasses: map[string][]string{
			"temperature": {"fok", "hőmérséklet", "meleg", "hideg", "hőfok", "temperature", "degrees", "warm", "cold"},
			"humidity":    {"pára", "páratartalom", "nedvesség", "humidity", "moisture"},
			"pressure":    {"légnyomás", "nyomás", "pressure"},
			"power":       {"fogyasztás", "áram", "teljesítmény", "watt", "power", "consumption", "energy"},
			"illuminance": {"fényerő", "megvilágítás", "illuminance", "brightness", "lux"},
			"co2":         {"szén-dioxid", "co2", "levegőminőség", "air quality"},
			"battery":     {"akku", "elem", "töltöttség", "battery"},
			"motion":      {"mozgás", "motion"},
		},
	},
	"light": {
		Patterns: []string{"lámpa", "lámpát", "világítás", "fény", "villany", "light", "lamp"},
	},
	"switch": {
		Patterns: []string{"kapcsoló", "konnektor", "dugalj", "switch", "outlet", "plug"},
	},
	"climate": {
		Patterns: []string{"fűtés", "klíma", "termosztát", "légkondi", "heating", "thermostat", "air conditioning", "hvac"},
	},
	"cover": {
		Patterns: []string{"redőny", "roló", "árnyékoló", "zsalu", "shutter", "blind", "cover"},
	},
	"lock": {
		Patterns: []string{"zár", "ajtózár", "lock"},
	},
	"media_player": {
		Patterns: []string{"tévé", "tv", "hangszóró", "zene", "speaker", "music", "media"},
	},
	"camera": {
		Patterns: []string{"kamera", "camera"},
	},
	"vacuum": {
		Patterns: []string{"porszívó", "robotporszívó", "vacuum"},
	},
	"fan": {
		Patterns: []string{"ventilátor", "fan"},
	},
}

// DomainPattern is one domain's mention patterns plus optional nested
// device-class patterns.
type DomainPattern struct {
	Patterns      []string            `yaml:"patterns"`
	DeviceClasses map[string][]string `yaml:"device_classes,omitempty"`
}

// FollowUpPatterns mark an utterance as continuing the previous turn.
var FollowUpPatterns = []string{
	"és a", "és az", "és ott", "ott", "itt", "akkor", "szintén",
	"is?", " is", "ugyanez", "ugyanaz",
	"how about", "what about", "and the", "and in",
}

// ControlVerbPatterns mark control intent.
var ControlVerbPatterns = []string{
	"kapcsold", "kapcsolj", "állítsd", "állíts", "indítsd", "indíts",
	"nyisd", "zárd", "húzd", "engedd", "vedd", "tedd", "csukd",
	"oltsd", "gyújtsd", "némítsd",
	"turn on", "turn off", "switch on", "switch off", "toggle",
	"set ", "start", "stop", "open", "close", "dim", "mute",
}

// QuantityPatterns are the global quantifiers that widen a control action.
var QuantityPatterns = []string{
	"összes", "minden", "mindegyik", "valamennyi", "all ", "every",
}

// TemperaturePatterns mark temperature questions for the climate-priority
// cue ("hány fok van a nappaliban?").
var TemperaturePatterns = []string{
	"hány fok", "hőmérséklet", "fok van", "meleg van", "hideg van",
	"temperature", "how warm", "how cold", "degrees",
}

// QuestionPatterns mark value questions ("mennyi", "hány fok").
var QuestionPatterns = []string{
	"mennyi", "hány", "mekkora", "milyen", "mi a", "how much", "how many", "what is",
}

// hungarianMarkers are tokens and letters that identify a Hungarian
// utterance; anything without them is treated as English.
var hungarianMarkers = []string{
	"á", "é", "í", "ó", "ö", "ő", "ú", "ü", "ű",
	" a ", " az ", " és ", "van", "hogy", "nem", "igen",
}
