/*
rates.go - Default crop water-requirement catalog

Seeded on migration with INSERT OR IGNORE, so operator edits to the
crop_rates table survive restarts. Rates are liters per m2 per day;
durations are the length of the growth stage in days.
*/
package sqlite

import (
	"github.com/shopspring/decimal"

	"github.com/hydronet/valve-engine/irrigation"
)

func rate(crop, region, stage string, litersPerM2 string, days int) irrigation.CropRate {
	return irrigation.CropRate{
		Crop:         crop,
		Region:       region,
		Stage:        stage,
		LitersPerM2:  mustParse(litersPerM2),
		DurationDays: days,
	}
}

func mustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic("invalid seed rate: " + s)
	}
	return d
}

var defaultRates = []irrigation.CropRate{
	// Maize
	rate("maize", "north", "seedling", "3.5", 14),
	rate("maize", "north", "vegetative", "5.5", 30),
	rate("maize", "north", "flowering", "7", 21),
	rate("maize", "south", "seedling", "3", 14),
	rate("maize", "south", "vegetative", "5", 30),
	rate("maize", "south", "flowering", "6.5", 21),

	// Rice
	rate("rice", "north", "seedling", "6", 21),
	rate("rice", "north", "vegetative", "8", 35),
	rate("rice", "north", "flowering", "9", 28),
	rate("rice", "south", "seedling", "5.5", 21),
	rate("rice", "south", "vegetative", "7.5", 35),
	rate("rice", "south", "flowering", "8.5", 28),

	// Tomato
	rate("tomato", "north", "seedling", "2.5", 10),
	rate("tomato", "north", "vegetative", "4", 25),
	rate("tomato", "north", "flowering", "5.5", 20),
	rate("tomato", "south", "seedling", "2", 10),
	rate("tomato", "south", "vegetative", "3.5", 25),
	rate("tomato", "south", "flowering", "5", 20),

	// Cassava
	rate("cassava", "north", "establishment", "2", 30),
	rate("cassava", "north", "vegetative", "3.5", 60),
	rate("cassava", "south", "establishment", "1.5", 30),
	rate("cassava", "south", "vegetative", "3", 60),
}
