package database

import (
	"log"

	"iconostasis/models"

	"gorm.io/gorm"
)

// RunMigrations brings the schema up to date. AutoMigrate only creates
// missing tables, columns and indexes, so it is safe to run on every start
// against a live store.
func RunMigrations(db *gorm.DB) error {
	log.Println("Running database migrations...")

	err := db.AutoMigrate(
		&models.ModRank{},
		&models.User{},
		&models.Tradition{},
		&models.Saint{},
		&models.Icon{},
		&models.IconSaint{},
		&models.Candle{},
		&models.Comment{},
		&models.Session{},
	)

	if err != nil {
		log.Printf("Error running migrations: %v", err)
		return err
	}

	log.Println("Migrations completed successfully")
	return nil
}
