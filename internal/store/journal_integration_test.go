// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/tickhost/internal/flowbus"
	"github.com/holomush/tickhost/internal/lifecycle"
	"github.com/holomush/tickhost/internal/store"
)

var _ = Describe("Journal", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		connStr   string
		journal   *store.Journal
	)

	BeforeAll(func() {
		ctx = context.Background()

		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("tickhost_test"),
			postgres.WithUsername("tickhost"),
			postgres.WithPassword("tickhost"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		Expect(err).NotTo(HaveOccurred())

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if journal != nil {
			journal.Close()
		}
		_ = container.Terminate(ctx)
	})

	Describe("Migrator", func() {
		It("walks the schema up and down", func() {
			m, err := store.NewMigrator(connStr)
			Expect(err).NotTo(HaveOccurred())
			defer m.Close()

			version, dirty, err := m.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeZero())
			Expect(dirty).To(BeFalse())

			Expect(m.Up()).To(Succeed())
			latest, _, err := m.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).To(BeNumerically(">", 0))

			Expect(m.Steps(-1)).To(Succeed())
			version, _, err = m.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(Equal(latest - 1))

			Expect(m.Up()).To(Succeed())
			pending, err := m.Pending()
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())
		})
	})

	Describe("Record and History", func() {
		BeforeAll(func() {
			var err error
			journal, err = store.Connect(ctx, connStr, 5)
			Expect(err).NotTo(HaveOccurred())
		})

		It("returns transitions newest first", func() {
			for _, to := range []string{"LOADING", "LOADED", "ENABLING"} {
				Expect(journal.Record(ctx, store.Transition{
					Plugin: "greeter", Extension: "greeter.hello", From: "X", To: to,
				})).To(Succeed())
			}

			history, err := journal.History(ctx, "greeter", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(history).To(HaveLen(2))
			Expect(history[0].To).To(Equal("ENABLING"))
			Expect(history[1].To).To(Equal("LOADED"))
		})

		It("journals transitions posted on the bus", func() {
			bus := flowbus.New()
			defer bus.Close()

			sub, err := store.NewSubscriber(journal, bus, nil)
			Expect(err).NotTo(HaveOccurred())
			defer sub.Close()

			bus.Post(lifecycle.StateChanged{
				Plugin: "bus-plugin",
				From:   lifecycle.StateEnabling,
				To:     lifecycle.StateFailedEnabling,
				At:     time.Now(),
			})

			Eventually(func() ([]store.Transition, error) {
				return journal.History(ctx, "bus-plugin", 10)
			}).WithTimeout(5 * time.Second).Should(ContainElement(
				HaveField("Failed", BeTrue()),
			))
		})
	})
})
