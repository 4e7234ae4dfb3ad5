package replicaset_test

import (
	"fmt"
	"log"

	skiff "github.com/skiffdb/go-skiff"
	"github.com/skiffdb/go-skiff/replicaset"
)

func ExampleClient() {
	name, seeds, err := skiff.ParseSeedList("shard0/db0.example.com:27801,db1.example.com:27801")
	if err != nil {
		log.Fatal(err)
	}

	c := replicaset.NewClient(name, seeds, replicaset.ClientOpts{})
	if !c.Connect() {
		log.Fatal("no primary reachable")
	}
	defer c.Close()

	if err := c.Auth("app", "bob", "hunter2", true); err != nil {
		log.Fatal(err)
	}

	if err := c.Insert("app.users", skiff.Doc{"name": "ada"}); err != nil {
		log.Fatal(err)
	}

	// a slave-ok read may be served by a secondary
	docs, _, err := c.Query("app.users", skiff.Doc{"name": "ada"}, nil, 1, 0, skiff.QuerySecondaryOK)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(docs))
}

func ExampleMonitor() {
	m := replicaset.GetMonitor("shard0", []skiff.HostAddress{
		{Host: "db0.example.com", Port: 27801},
		{Host: "db1.example.com", Port: 27801},
	}, replicaset.MonitorOpts{})

	primary, err := m.Primary()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(primary, m.ServerAddress())
}
