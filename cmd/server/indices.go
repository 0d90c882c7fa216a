package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soma-tiles/tileindex/internal/config"
	"github.com/soma-tiles/tileindex/internal/logger"
	"github.com/soma-tiles/tileindex/internal/service"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

var (
	indicesCam         viewport.Camera
	indicesMinZoom     int
	indicesMaxZoom     int
	indicesMaxIdentity float64
	indicesTileSize    int
	indicesMaxTiles    int
	indicesNoEnumerate bool
)

var indicesCmd = &cobra.Command{
	Use:   "indices",
	Short: "Print the tiles covering one viewport",
	Long: `Compute the tile indices a viewer needs for one camera and print them
as JSON.

Without --max-identity the camera is geographic (--lng/--lat, Web Mercator
tiles of --tile-size pixels). With --max-identity the camera is planar
(--x/--y) over the square [0, max-identity].`,
	Example: `  tileindex indices --zoom 5.3 --width 800 --height 600 --lng 0 --lat 0
  tileindex indices --zoom 2 --width 400 --height 400 --max-identity 1024 --x 512 --y 512 --max-zoom 1`,
	RunE: runIndices,
}

func init() {
	rootCmd.AddCommand(indicesCmd)

	f := indicesCmd.Flags()
	f.Float64Var(&indicesCam.Zoom, "zoom", 0, "Camera zoom level")
	f.Float64Var(&indicesCam.Width, "width", 0, "Viewport width in pixels")
	f.Float64Var(&indicesCam.Height, "height", 0, "Viewport height in pixels")
	f.Float64Var(&indicesCam.Bearing, "bearing", 0, "Camera bearing in degrees")
	f.Float64Var(&indicesCam.Longitude, "lng", 0, "Camera longitude (geographic)")
	f.Float64Var(&indicesCam.Latitude, "lat", 0, "Camera latitude (geographic)")
	f.Float64Var(&indicesCam.TargetX, "x", 0, "Camera target x (identity)")
	f.Float64Var(&indicesCam.TargetY, "y", 0, "Camera target y (identity)")
	f.IntVar(&indicesMinZoom, "min-zoom", 0, "Lowest level tiles exist for")
	f.IntVar(&indicesMaxZoom, "max-zoom", 0, "Highest level tiles exist for; deeper views are re-projected")
	f.Float64Var(&indicesMaxIdentity, "max-identity", 0, "Edge of the identity coordinate square; 0 selects geographic")
	f.IntVar(&indicesTileSize, "tile-size", 512, "Geographic tile size in pixels")
	f.IntVar(&indicesMaxTiles, "max-tiles", 0, "Reject viewports needing more tiles (0 disables the limit)")
	f.BoolVar(&indicesNoEnumerate, "disable-enumeration", false, "Compute the covered range without listing tiles")

	_ = indicesCmd.MarkFlagRequired("zoom")
	_ = indicesCmd.MarkFlagRequired("width")
	_ = indicesCmd.MarkFlagRequired("height")
}

func runIndices(cmd *cobra.Command, args []string) error {
	initLogger("", "")
	defer logger.Sync()

	svc, err := service.NewIndexService(indicesServiceConfig(cmd, logger.Get()))
	if err != nil {
		return err
	}

	result, err := svc.Indices(indicesCam)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// indicesServiceConfig describes a one-off dataset from the command flags.
func indicesServiceConfig(cmd *cobra.Command, log *zap.Logger) service.IndexServiceConfig {
	ds := config.DatasetConfig{
		MaxIdentityCoordinate: indicesMaxIdentity,
		TileSize:              indicesTileSize,
		DisableEnumeration:    indicesNoEnumerate,
	}
	if indicesMaxIdentity <= 0 {
		ds.Projection = "geographic"
	}
	// Unset bounds are unbounded; an explicit 0 is a real bound.
	if cmd.Flags().Changed("min-zoom") {
		ds.MinZoom = &indicesMinZoom
	}
	if cmd.Flags().Changed("max-zoom") {
		ds.MaxZoom = &indicesMaxZoom
	}

	return service.IndexServiceConfig{
		DatasetID: "cli",
		Dataset:   ds,
		MaxTiles:  indicesMaxTiles,
		Logger:    log,
	}
}
