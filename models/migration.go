package models

import (
	"log"

	"github.com/vtmapdata/infra_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&InfraObject{}, &InfraInfo{},
		&InfraObjectProcess{},
		&Event{},
		&InfraHistory{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
